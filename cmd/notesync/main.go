// notesync keeps a local notes store reconciled with a remote replica.
package main

func main() {
	Execute()
}
