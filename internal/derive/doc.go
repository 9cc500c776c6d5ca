// Package derive synthesizes the missing direction of PEPOLAR fieldmap
// groups from functional runs acquired with the opposite encoding.
//
// A derivation has two phases. Planning discovers and validates every
// fieldmap group of every session, resolves the missing direction and
// selects the functional runs; it touches nothing on disk. Execution then
// runs the robust-mean pipeline for each incomplete group and writes the
// derived image and sidecars. Any error aborts the whole derivation, so a
// validation problem in the last session prevents writes in the first.
//
// Per group the state moves through
//
//	DISCOVERED -> VALIDATED -> NOOP
//	DISCOVERED -> VALIDATED -> DERIVING -> WRITTEN
//	DISCOVERED -> VALIDATED -> DERIVING -> PLANNED   (dry run)
//
// with FAILED reachable from every non-terminal state.
package derive
