// Command standalone_test exercises the page cache primitive on a real
// device, where the unit tests cannot tell a fixed kernel from a broken
// implementation. Push it with the rest of the tool and run it as a user
// that can read /data/local/tmp.
package main

import (
	"fmt"
	"os"
	"reflect"
	"runtime"
	"strings"
)

func testName(test func() error) string {
	name := runtime.FuncForPC(reflect.ValueOf(test).Pointer()).Name()
	return name[strings.LastIndexByte(name, '.')+1:]
}

func runTests(tests []func() error) bool {
	fmt.Printf("Running standalone tests...\n")
	success := true
	for _, test := range tests {
		if err := test(); err != nil {
			fmt.Printf("Test %v failed: %v\n", testName(test), err)
			success = false
		}
	}
	return success
}

func main() {
	if !runTests([]func() error{
		TestPrepare,
		TestRejection,
		TestOverwrite,
		TestManyOverwrites,
		TestSession,
	}) {
		fmt.Printf("Tests failed\n")
		os.Exit(1)
	}
	fmt.Printf("All tests passed\n")
}
