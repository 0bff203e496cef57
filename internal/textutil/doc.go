// Package textutil normalizes titles and builds filesystem-safe names for
// downloaded and converted volumes.
//
// Titles are NFC-normalized before sanitizing so visually identical names
// from different catalogs map to the same directory.
package textutil
