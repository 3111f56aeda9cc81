//go:build netlib

package main

import (
	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/netlib/blas/netlib"
)

// This file swaps gonum's pure-Go BLAS for the system's native one
// when you build with `-tags netlib`.
func init() {
	blas64.Use(netlib.Implementation{})
}
