// Package main is the entry point for apifactory.
//
// The binary serves interface descriptions without handlers, answering
// every operation as unhandled; applications register handlers by calling
// bootstrap.New from their own main package.
package main

func main() {
	Execute()
}
