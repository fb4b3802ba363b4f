// Package setup creates and verifies the on-disk workspace a run needs: the
// images directory, the output directory and a sample configuration file.
//
// This package is essentially a collection of scripts and constants, and is therefore the only package that is
// allowed to call a global logger.
package setup
