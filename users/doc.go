// Package users defines the resource owner model and credential verification
// for the authorization server. It provides the Store interface for user
// lookup, an in-memory implementation, and a bcrypt-backed Verifier used by
// the consent flow to authenticate users at the approval step.
package users
