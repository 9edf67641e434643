// Package oauth talks to provider token endpoints. It only implements the
// refresh_token grant; the initial consent flow lives with the application's
// routing layer.
package oauth
