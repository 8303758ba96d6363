// Command ehdbctl inspects ehdb storage directories.
package main

func main() {
	execute()
}
