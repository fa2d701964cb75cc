package main

import "context"

func main() {
	root := newRootCmd()

	err := root.ExecuteContext(context.Background())

	// PersistentPostRunE only runs on success; release backends either way.
	if cerr := closeSession(); err == nil {
		err = cerr
	}

	if err != nil {
		exitOnError(err)
	}
}
