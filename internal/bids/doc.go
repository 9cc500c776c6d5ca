// Package bids models the parts of a BIDS dataset the fieldmap derivation
// touches: filename entities, phase-encoding directions, session layout and
// JSON sidecars.
//
// Everything in this package is a leaf: it reads and writes files but never
// calls into the derivation packages.
package bids
