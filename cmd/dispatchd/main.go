// README: Entry point for the dispatch service binary.
package main

func main() {
	Execute()
}
