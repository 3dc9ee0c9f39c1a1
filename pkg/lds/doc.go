// Package lds parses the logical data structure files read from an eMRTD
// chip: DG1 (machine readable zone), DG2 (encoded face) and DG14 (chip
// authentication public keys).
package lds
