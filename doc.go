/*
Package live keeps function values of a running program pointed at source files that are
recompiled and swapped in while the program runs.

# Underwater

 1. A daemon goroutine polls the watched root. Files are only built once a caller has
    registered a routine of them with [Engine.Add].
 2. Each build produces a randomly named module in the output directory. The module is
    loaded, every registered routine is resolved in it, and every [Handle] is re-pointed.
 3. The previous module is retired. It is unloaded once no [Ref] acquired from a handle
    still pins it.
 4. In batch mode every file is compiled once, with its canonical id defined as
    LIVE_SCRIPT_ID for symbol mangling, and linked into one module. Addresses never change.

# Toolchains

C scripts are built by gcc, clang or MSVC and loaded as shared libraries. Go scripts are
compiled with `go tool compile` and linked in process by [goloader], which requires the
host to be built with a prepared SDK, see the compile tool.

# Notes

 1. A handle address is only safe to call while a [Ref] is held, see [Call].
 2. Handles of a failed build keep their previous address.
 3. A routine missing from a fresh module is written as unresolved.

# Compile tool

	go install github.com/ZenLiuCN/live/compile@latest

It watches a directory interactively, runs batch builds, serves change notifications to
other processes, inspects Go objects and prepares the Go SDK. For more details see the
cli help:

	compile -h

# Samples

See testdata and tests.

[goloader]: https://github.com/pkujhd/goloader
*/
package live
