// Package usage meters per-subscription message traffic and storage.
//
// Every recorded message updates the day's usage row and the
// subscription's daily counter in one transaction. The counter resets
// lazily: a counter whose reset date is before today is treated as zero and
// is reset by the next increment.
package usage
