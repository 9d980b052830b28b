// Package main provides the machsign CLI for Mach-O code signing.
//
// For the library API, see the codesign subpackage:
//
//	import "github.com/aluedeke/go-machsign/pkg/codesign"
//
// # Installation
//
// Install the CLI:
//
//	go install github.com/aluedeke/go-machsign@latest
package main
