// Package cryptoutil holds the digest helpers used for upload integrity
// checks and for fingerprinting composed templates.
package cryptoutil
