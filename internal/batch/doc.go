// SPDX-License-Identifier: MPL-2.0

// Package batch is the driver that runs AF3Complex over a file of jobs. Images
// built with batch.driver set use it as their entrypoint. Jobs already modelled or claimed by another driver are skipped, and
// jobs with ligands are modelled a second time without them so the better
// scoring structure can be kept.
package batch
