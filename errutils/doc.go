package errutils

// Package errutils provides a set of utilities for working with errors in Go.

// Example:
//
// The following example demonstrates how to use `MultiError` to collect several errors:
//
//     package main
//
//     import (
//         "fmt"
//         "github.com/duraplane/duraplane/errutils"
//     )
//
//     func main() {
//         errs := &errutils.MultiError{}
//         errs.Add(firstStep())
//         errs.Add(secondStep())
//         if errs.HasErrors() {
//             fmt.Println(errs.Error())
//         }
//     }
//
// In the above example, nil results are skipped by `Add`, and `Error()` joins the collected errors
// one per line. The result is then printed using `fmt.Println()`.
