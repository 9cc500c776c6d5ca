// Package pipeline computes the robust temporal mean of a set of functional
// runs through an image backend.
//
// For one fieldmap group the pipeline:
//  1. motion-corrects each run and extracts its temporal mean
//  2. takes the first run's mean as the reference
//  3. aligns every other mean to the reference
//  4. sums the aligned means and divides by their count
//
// Intermediate products are kept under the group work directory for audit
// (mc/, means/, aligned/, accum/) together with selection.tsv and qa.log.
// A failing step aborts the group; completed intermediates are left in place.
package pipeline
