// Package cmd holds the auxiliary cobra commands registered on the CLI root.
package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"screenstreamer/internal/windows"
)

// CreateListWindowsCmd creates the list-windows command.
func CreateListWindowsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list-windows",
		Short: "List candidate capture windows",
		Long:  `Enumerates top-level windows and prints one per line as "<title>\t<class>".`,
		Args:  cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			PrintWindows(os.Stdout)
			os.Exit(0)
		},
	}
}

// PrintWindows writes the window list to w, one "<title>\t<class>" per line.
// An unsupported platform prints nothing; the command still exits cleanly so
// scripts can probe for emptiness.
func PrintWindows(w io.Writer) {
	list, err := windows.NewEnumerator().List()
	if err != nil {
		if errors.Is(err, windows.ErrUnsupported) {
			fmt.Fprintln(os.Stderr, "window enumeration not available on this host")
			return
		}
		fmt.Fprintln(os.Stderr, "window enumeration failed:", err)
		return
	}
	for _, win := range list {
		fmt.Fprintf(w, "%s\t%s\n", win.Title, win.Class)
	}
}
