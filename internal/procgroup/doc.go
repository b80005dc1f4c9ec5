// Package procgroup starts commands in their own process group and signals
// the whole group, so a worker's children die with it.
package procgroup
