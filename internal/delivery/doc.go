// Package delivery uploads converted files to a reader device through an
// OAuth2 protected "send to device" endpoint.
//
// Access tokens come from golang.org/x/oauth2. A token previously stored in
// delivery.token_file is refreshed with its refresh token; without one the
// client credentials grant is used. Every new token is written back to the
// token file so restarts reuse it.
package delivery
