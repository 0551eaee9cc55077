// Package shell interprets the commands of the fractal console.
package shell

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	log "github.com/sirupsen/logrus"

	"github.com/leftmike/fractal/env"
	"github.com/leftmike/fractal/flags"
	"github.com/leftmike/fractal/ft"
	"github.com/leftmike/fractal/loader"
	"github.com/leftmike/fractal/logger"
)

var (
	ErrQuit = errors.New("shell: quit")
)

type command struct {
	args  string
	help  string
	nargs int
	fn    func(sh *Shell, w io.Writer, args []string) error
}

var commands map[string]command

func init() {
	commands = map[string]command{
		"checkpoint": {"", "take a checkpoint of every open dictionary", 0, checkpointCmd},
		"close":      {"<dict>", "close the dictionary", 1, closeCmd},
		"create":     {"<dict>", "create a dictionary", 1, createCmd},
		"delete":     {"<dict> <key>", "delete a key", 2, deleteCmd},
		"flags":      {"", "list the flags", 0, flagsCmd},
		"garbage":    {"<dict>", "report the garbage in the leaves", 1, garbageCmd},
		"get":        {"<dict> <key>", "get the value of a key", 2, getCmd},
		"header":     {"<dict>", "print the header", 1, headerCmd},
		"help":       {"", "list the commands", 0, helpCmd},
		"insert":     {"<dict> <key> <value>", "insert a key and value", 3, insertCmd},
		"list":       {"", "list the dictionaries", 0, listCmd},
		"load":       {"<dict> <count>", "replace the dictionary with count rows", 2, loadCmd},
		"logdump":    {"", "print the log", 0, logdumpCmd},
		"optimize":   {"<dict>", "optimize the dictionary", 1, optimizeCmd},
		"quit":       {"", "exit the shell", 0, quitCmd},
		"redirect": {"<dict> [abort]", "redirect the dictionary to a new, empty file",
			-1, redirectCmd},
		"remove": {"<dict>", "remove the dictionary", 1, removeCmd},
		"stat":   {"<dict>", "print the statistics of the dictionary", 1, statCmd},
		"stats":  {"", "print the cachetable statistics", 0, statsCmd},
		"verify": {"<dict>", "verify the dictionary", 1, verifyCmd},
	}
}

type Shell struct {
	env     *env.Env
	topts   env.TreeOptions
	handles map[string]*ft.Handle
}

func New(e *env.Env, topts env.TreeOptions) *Shell {
	return &Shell{
		env:     e,
		topts:   topts,
		handles: map[string]*ft.Handle{},
	}
}

func (sh *Shell) handle(dname string) (*ft.Handle, error) {
	if h, ok := sh.handles[dname]; ok {
		return h, nil
	}
	h, err := sh.env.OpenDictionary(dname)
	if err != nil {
		return nil, err
	}
	sh.handles[dname] = h
	return h, nil
}

// Close closes every handle opened by the shell.
func (sh *Shell) Close() {
	for dname, h := range sh.handles {
		h.Close()
		delete(sh.handles, dname)
	}
}

// Exec runs one command; it returns ErrQuit for the quit command.
func (sh *Shell) Exec(line string, w io.Writer) error {
	args := strings.Fields(line)
	if len(args) == 0 || strings.HasPrefix(args[0], "#") {
		return nil
	}

	cmd, ok := commands[strings.ToLower(args[0])]
	if !ok {
		return fmt.Errorf("shell: %s: unknown command", args[0])
	}
	if cmd.nargs >= 0 && len(args)-1 != cmd.nargs {
		return fmt.Errorf("shell: usage: %s %s", args[0], cmd.args)
	}
	return cmd.fn(sh, w, args[1:])
}

// Run executes the commands read from r, one per line, until r is exhausted or a quit
// command; errors are printed to w.
func (sh *Shell) Run(r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		err := sh.Exec(scanner.Text(), w)
		if err == ErrQuit {
			return nil
		} else if err != nil {
			log.WithError(err).Debug("shell command failed")
			fmt.Fprintln(w, err)
		}
	}
	return scanner.Err()
}

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	tw := tablewriter.NewWriter(w)
	tw.SetAutoFormatHeaders(false)
	tw.SetHeader(header)
	return tw
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.UTC().Format(time.RFC3339)
}

func checkpointCmd(sh *Shell, w io.Writer, args []string) error {
	err := sh.env.Checkpoint(context.Background())
	if err != nil {
		return err
	}
	fmt.Fprintln(w, "checkpoint done")
	return nil
}

func closeCmd(sh *Shell, w io.Writer, args []string) error {
	h, ok := sh.handles[args[0]]
	if !ok {
		return fmt.Errorf("shell: %s: not open", args[0])
	}
	h.Close()
	delete(sh.handles, args[0])
	return nil
}

func createCmd(sh *Shell, w io.Writer, args []string) error {
	h, err := sh.env.Create(args[0], sh.topts)
	if err != nil {
		return err
	}
	sh.handles[args[0]] = h
	fmt.Fprintf(w, "created %s\n", args[0])
	return nil
}

func deleteCmd(sh *Shell, w io.Writer, args []string) error {
	h, err := sh.handle(args[0])
	if err != nil {
		return err
	}
	return h.Delete([]byte(args[1]))
}

func flagsCmd(sh *Shell, w io.Writer, args []string) error {
	tw := newTable(w, "flag", "value")
	flgs := sh.env.Flags()
	flags.ListFlags(func(nam string, f flags.Flag) {
		tw.Append([]string{nam, strconv.FormatBool(flgs.GetFlag(f))})
	})
	tw.Render()
	return nil
}

func garbageCmd(sh *Shell, w io.Writer, args []string) error {
	h, err := sh.handle(args[0])
	if err != nil {
		return err
	}
	total, used, err := h.FT().GetGarbage()
	if err != nil {
		return err
	}

	tw := newTable(w, "total", "used", "garbage")
	tw.Append([]string{strconv.FormatInt(total, 10), strconv.FormatInt(used, 10),
		strconv.FormatInt(total-used, 10)})
	tw.Render()
	return nil
}

func getCmd(sh *Shell, w io.Writer, args []string) error {
	h, err := sh.handle(args[0])
	if err != nil {
		return err
	}
	val, err := h.Get([]byte(args[1]))
	if err == io.EOF {
		fmt.Fprintf(w, "%s: not found\n", args[1])
		return nil
	} else if err != nil {
		return err
	}
	fmt.Fprintf(w, "%s: %s\n", args[1], val)
	return nil
}

func headerCmd(sh *Shell, w io.Writer, args []string) error {
	h, err := sh.handle(args[0])
	if err != nil {
		return err
	}
	hdr := h.FT().Header()

	tw := newTable(w, "field", "value")
	tw.AppendBulk([][]string{
		{"layout_version", fmt.Sprint(hdr.LayoutVersion)},
		{"layout_version_original", fmt.Sprint(hdr.LayoutVersionOriginal)},
		{"checkpoint_count", fmt.Sprint(hdr.CheckpointCount)},
		{"checkpoint_lsn", fmt.Sprint(hdr.CheckpointLSN)},
		{"dirty", fmt.Sprint(hdr.Dirty)},
		{"root", fmt.Sprint(hdr.Root)},
		{"nodesize", fmt.Sprint(hdr.NodeSize)},
		{"basementnodesize", fmt.Sprint(hdr.BasementNodeSize)},
		{"compression", hdr.CompressionMethod.String()},
		{"fanout", fmt.Sprint(hdr.Fanout)},
		{"max_msn_in_ft", fmt.Sprint(hdr.MaxMSNInFT)},
		{"created", formatTime(hdr.TimeOfCreation)},
		{"modified", formatTime(hdr.TimeOfLastModification)},
		{"verified", formatTime(hdr.TimeOfLastVerification)},
		{"optimize_in_progress", fmt.Sprint(hdr.CountOfOptimizeInProgress)},
		{"numrows", fmt.Sprint(hdr.OnDiskStats.NumRows)},
		{"numbytes", fmt.Sprint(hdr.OnDiskStats.NumBytes)},
	})
	tw.Render()
	return nil
}

func helpCmd(sh *Shell, w io.Writer, args []string) error {
	var names []string
	for nam := range commands {
		names = append(names, nam)
	}
	sort.Strings(names)
	for _, nam := range names {
		cmd := commands[nam]
		fmt.Fprintf(w, "%-32s %s\n", strings.TrimSpace(nam+" "+cmd.args), cmd.help)
	}
	return nil
}

func insertCmd(sh *Shell, w io.Writer, args []string) error {
	h, err := sh.handle(args[0])
	if err != nil {
		return err
	}
	return h.Insert([]byte(args[1]), []byte(args[2]))
}

func listCmd(sh *Shell, w io.Writer, args []string) error {
	entries, err := sh.env.List()
	if err != nil {
		return err
	}
	tw := newTable(w, "dname", "iname")
	for _, ent := range entries {
		tw.Append([]string{ent.Dname, ent.Iname})
	}
	tw.Render()
	return nil
}

// Rows returns a loader function which adds count rows, key000000 to value000000 and
// so on.
func Rows(count int) func(ld *loader.Loader) error {
	return func(ld *loader.Loader) error {
		for i := 0; i < count; i++ {
			err := ld.Add([]byte(fmt.Sprintf("key%06d", i)), []byte(fmt.Sprintf("value%06d", i)))
			if err != nil {
				return err
			}
		}
		return nil
	}
}

func loadCmd(sh *Shell, w io.Writer, args []string) error {
	count, err := strconv.Atoi(args[1])
	if err != nil || count < 0 {
		return fmt.Errorf("shell: load: bad count: %s", args[1])
	}
	err = sh.env.Load(args[0], Rows(count))
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "loaded %d rows\n", count)
	return nil
}

func logdumpCmd(sh *Shell, w io.Writer, args []string) error {
	tw := newTable(w, "lsn", "type", "record")
	err := sh.env.Logger().ReadLog(
		func(rec logger.Record) error {
			tw.Append([]string{fmt.Sprint(rec.LSN), rec.Type.String(), rec.String()})
			return nil
		})
	if err != nil {
		return err
	}
	tw.Render()
	return nil
}

func optimizeCmd(sh *Shell, w io.Writer, args []string) error {
	h, err := sh.handle(args[0])
	if err != nil {
		return err
	}
	return h.Optimize()
}

func quitCmd(sh *Shell, w io.Writer, args []string) error {
	return ErrQuit
}

func redirectCmd(sh *Shell, w io.Writer, args []string) error {
	if len(args) < 1 || len(args) > 2 || (len(args) == 2 && args[1] != "abort") {
		return fmt.Errorf("shell: usage: redirect %s", commands["redirect"].args)
	}

	abort := len(args) == 2
	err := sh.env.Redirect(args[0], nil, abort)
	if err != nil {
		return err
	}
	if abort {
		fmt.Fprintf(w, "redirected %s and aborted\n", args[0])
	} else {
		fmt.Fprintf(w, "redirected %s\n", args[0])
	}
	return nil
}

func removeCmd(sh *Shell, w io.Writer, args []string) error {
	if h, ok := sh.handles[args[0]]; ok {
		h.Close()
		delete(sh.handles, args[0])
	}
	err := sh.env.Remove(args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "removed %s\n", args[0])
	return nil
}

func statCmd(sh *Shell, w io.Writer, args []string) error {
	h, err := sh.handle(args[0])
	if err != nil {
		return err
	}
	st := h.FT().Stat64()

	tw := newTable(w, "numrows", "numbytes", "filesize", "created", "modified", "verified")
	tw.Append([]string{
		strconv.FormatInt(st.NumRows, 10),
		strconv.FormatInt(st.NumBytes, 10),
		strconv.FormatInt(st.FileSize, 10),
		formatTime(st.CreateTime),
		formatTime(st.ModifyTime),
		formatTime(st.VerifyTime),
	})
	tw.Render()
	return nil
}

func statsCmd(sh *Shell, w io.Writer, args []string) error {
	st := sh.env.CacheTable().Stats()
	tw := newTable(w, "fetches", "flushes", "evictions", "checkpoints")
	tw.Append([]string{
		strconv.FormatInt(st.Fetches, 10),
		strconv.FormatInt(st.Flushes, 10),
		strconv.FormatInt(st.Evictions, 10),
		strconv.FormatInt(st.Checkpoints, 10),
	})
	tw.Render()
	return nil
}

func verifyCmd(sh *Shell, w io.Writer, args []string) error {
	h, err := sh.handle(args[0])
	if err != nil {
		return err
	}
	err = h.VerifyWithProgress(
		ft.VerifyOptions{
			KeepGoing: sh.env.Flags().GetFlag(flags.VerifyKeepGoing),
			Output:    w,
		})
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%s: ok\n", args[0])
	return nil
}
