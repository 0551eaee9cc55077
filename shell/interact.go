package shell

import (
	"fmt"
	"io"
	"os"

	"github.com/peterh/liner"
)

const (
	fractalHistory = ".fractal_history"
)

// Interact runs commands typed at the console until end of file or quit.
func (sh *Shell) Interact(w io.Writer) error {
	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	if f, err := os.Open(fractalHistory); err == nil {
		line.ReadHistory(f)
		f.Close()
	}

	var err error
	for {
		var s string
		s, err = line.Prompt("fractal: ")
		if err == io.EOF || err == liner.ErrPromptAborted {
			err = nil
			break
		} else if err != nil {
			break
		}
		line.AppendHistory(s)

		cerr := sh.Exec(s, w)
		if cerr == ErrQuit {
			break
		} else if cerr != nil {
			fmt.Fprintln(w, cerr)
		}
	}

	if f, ferr := os.Create(fractalHistory); ferr != nil {
		fmt.Fprintf(os.Stderr, "fractal: error writing history file, %s: %s\n", fractalHistory,
			ferr)
	} else {
		line.WriteHistory(f)
		f.Close()
	}
	return err
}
