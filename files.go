package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/breadfs/breadfs/internal/storage"
)

func newLsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ls [target]",
		Short: "List files and folders",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runLs,
	}

	cmd.Flags().BoolP("recursive", "R", false, "list subdirectories recursively")

	return cmd
}

func newStatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stat <target>",
		Short: "Display file or folder metadata",
		Args:  cobra.ExactArgs(1),
		RunE:  runStat,
	}
}

func newCatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cat <target>",
		Short: "Print a file to stdout",
		Long: `Print a file to stdout. With --encoding the file is decoded from that
text encoding (e.g. gbk, shift_jis) and printed as UTF-8.`,
		Args: cobra.ExactArgs(1),
		RunE: runCat,
	}

	cmd.Flags().String("encoding", "", "decode the file from this text encoding")

	return cmd
}

func newWriteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "write <target>",
		Short: "Write stdin to a file",
		Long: `Write stdin to a file, replacing it. With --encoding stdin is read as
UTF-8 text and stored in that encoding.`,
		Args: cobra.ExactArgs(1),
		RunE: runWrite,
	}

	cmd.Flags().String("encoding", "", "store the text in this encoding")

	return cmd
}

func newMkdirCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mkdir <target>",
		Short: "Create a folder",
		Args:  cobra.ExactArgs(1),
		RunE:  runMkdir,
	}

	cmd.Flags().BoolP("parents", "p", false, "create missing parents, no error if the folder exists")

	return cmd
}

func newRmCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rm <target>",
		Short: "Delete a file or folder",
		Long: `Delete a file or folder. Folders must be empty unless --recursive is
given. Alipan backends move items to the recycle bin unless the backend
is configured with remove_method = "delete".`,
		Args: cobra.ExactArgs(1),
		RunE: runRm,
	}

	cmd.Flags().BoolP("recursive", "r", false, "delete folders and their contents")
	cmd.Flags().BoolP("force", "f", false, "ignore a missing target")

	return cmd
}

func newCpCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cp <source> <destination>",
		Short: "Copy a file or folder, across backends if needed",
		Args:  cobra.ExactArgs(2),
		RunE:  func(cmd *cobra.Command, args []string) error { return runTransfer(cmd, args, false) },
	}

	addTransferFlags(cmd)

	return cmd
}

func newMvCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mv <source> <destination>",
		Short: "Move a file or folder, across backends if needed",
		Args:  cobra.ExactArgs(2),
		RunE:  func(cmd *cobra.Command, args []string) error { return runTransfer(cmd, args, true) },
	}

	addTransferFlags(cmd)

	return cmd
}

func newPutCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "put <local-path> <target>",
		Short: "Upload a local file or folder",
		Args:  cobra.ExactArgs(2),
		RunE:  runPut,
	}

	addTransferFlags(cmd)

	return cmd
}

func newGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <target> [local-path]",
		Short: "Download a file or folder",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  runGet,
	}

	addTransferFlags(cmd)

	return cmd
}

func addTransferFlags(cmd *cobra.Command) {
	cmd.Flags().BoolP("force", "f", false, "overwrite an existing destination")
	cmd.Flags().Bool("progress", false, "show transfer progress on stderr")
	cmd.Flags().Bool("content-length", false, "announce the source size to streaming destinations")
}

func runLs(cmd *cobra.Command, args []string) error {
	arg := "."
	if len(args) > 0 {
		arg = args[0]
	}

	s, err := openSession(cmd)
	if err != nil {
		return err
	}

	ctx := cmd.Context()

	p, err := s.resolve(ctx, arg)
	if err != nil {
		return err
	}

	recursive, _ := cmd.Flags().GetBool("recursive")

	st, err := p.Stat(ctx)
	if err != nil {
		return err
	}

	stats := []*storage.FileStat{st}

	if st.IsDir() {
		stats, err = p.ListStat(ctx, storage.ListOptions{Recursive: recursive})
		if err != nil {
			return err
		}
	}

	s.logger.Debug("ls", "path", p.String(), "entries", len(stats))

	if flagJSON {
		out := make([]statJSON, 0, len(stats))
		for _, st := range stats {
			out = append(out, toStatJSON(st))
		}

		return printJSON(cmd.OutOrStdout(), out)
	}

	printStatTable(cmd.OutOrStdout(), p.String(), stats, recursive)

	return nil
}

// printStatTable prints folders first, then files, each alphabetically.
// Recursive listings keep the provider's pre-order and show paths relative
// to base.
func printStatTable(w io.Writer, base string, stats []*storage.FileStat, recursive bool) {
	if !recursive {
		sort.SliceStable(stats, func(i, j int) bool {
			if stats[i].IsDir() != stats[j].IsDir() {
				return stats[i].IsDir()
			}

			return stats[i].Path < stats[j].Path
		})
	}

	headers := []string{"NAME", "SIZE", "MODIFIED"}
	rows := make([][]string, 0, len(stats))

	for _, st := range stats {
		name := displayName(base, st.Path, recursive)
		if st.IsDir() {
			name += "/"
		}

		rows = append(rows, []string{name, formatSize(st.Size), formatTime(st.ModTime)})
	}

	printTable(w, headers, rows)
}

func displayName(base, path string, recursive bool) string {
	if !recursive || base == path {
		_, name := storage.SplitParent(path)
		if name == "" {
			return path
		}

		return name
	}

	return strings.TrimPrefix(strings.TrimPrefix(path, base), "/")
}

func runStat(cmd *cobra.Command, args []string) error {
	s, err := openSession(cmd)
	if err != nil {
		return err
	}

	ctx := cmd.Context()

	p, err := s.resolve(ctx, args[0])
	if err != nil {
		return err
	}

	st, err := p.Stat(ctx)
	if err != nil {
		return err
	}

	if flagJSON {
		return printJSON(cmd.OutOrStdout(), toStatJSON(st))
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Backend:  %s\n", p.FS().Name())
	fmt.Fprintf(w, "Path:     %s\n", st.Path)
	fmt.Fprintf(w, "Kind:     %s\n", st.Kind)
	fmt.Fprintf(w, "Size:     %s\n", formatSize(st.Size))
	fmt.Fprintf(w, "Modified: %s\n", formatTimestamp(st.ModTime))
	fmt.Fprintf(w, "Created:  %s\n", formatTimestamp(st.BirthTime))

	return nil
}

func formatTimestamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}

	return t.Local().Format(time.RFC3339)
}

func runCat(cmd *cobra.Command, args []string) error {
	s, err := openSession(cmd)
	if err != nil {
		return err
	}

	ctx := cmd.Context()

	p, err := s.resolve(ctx, args[0])
	if err != nil {
		return err
	}

	if encoding, _ := cmd.Flags().GetString("encoding"); encoding != "" {
		text, err := p.ReadText(ctx, encoding)
		if err != nil {
			return err
		}

		_, err = io.WriteString(cmd.OutOrStdout(), text)

		return err
	}

	rc, err := p.OpenReader(ctx)
	if err != nil {
		return err
	}
	defer rc.Close()

	if _, err := io.Copy(cmd.OutOrStdout(), rc); err != nil {
		return fmt.Errorf("reading %s: %w", args[0], err)
	}

	return nil
}

func runWrite(cmd *cobra.Command, args []string) error {
	s, err := openSession(cmd)
	if err != nil {
		return err
	}

	ctx := cmd.Context()

	p, err := s.resolve(ctx, args[0])
	if err != nil {
		return err
	}

	data, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return fmt.Errorf("reading stdin: %w", err)
	}

	if encoding, _ := cmd.Flags().GetString("encoding"); encoding != "" {
		return p.WriteText(ctx, string(data), encoding)
	}

	return p.WriteFile(ctx, data, storage.WriteFileOptions{})
}

func runMkdir(cmd *cobra.Command, args []string) error {
	s, err := openSession(cmd)
	if err != nil {
		return err
	}

	ctx := cmd.Context()

	p, err := s.resolve(ctx, args[0])
	if err != nil {
		return err
	}

	parents, _ := cmd.Flags().GetBool("parents")

	if err := p.Mkdir(ctx, storage.MkdirOptions{Recursive: parents}); err != nil {
		return err
	}

	statusf(flagQuiet, "Created %s\n", args[0])

	return nil
}

func runRm(cmd *cobra.Command, args []string) error {
	s, err := openSession(cmd)
	if err != nil {
		return err
	}

	ctx := cmd.Context()

	p, err := s.resolve(ctx, args[0])
	if err != nil {
		return err
	}

	recursive, _ := cmd.Flags().GetBool("recursive")
	force, _ := cmd.Flags().GetBool("force")

	err = p.Remove(ctx, storage.RemoveOptions{Strict: !force, NonRecursive: !recursive})
	if errors.Is(err, storage.ErrNotEmpty) {
		return fmt.Errorf("%s is a non-empty folder, use --recursive to delete it: %w", args[0], err)
	}

	if err != nil {
		return err
	}

	statusf(flagQuiet, "Deleted %s\n", args[0])

	return nil
}

// runTransfer implements cp and mv.
func runTransfer(cmd *cobra.Command, args []string, move bool) error {
	s, err := openSession(cmd)
	if err != nil {
		return err
	}

	ctx := cmd.Context()

	src, err := s.resolve(ctx, args[0])
	if err != nil {
		return err
	}

	dst, err := s.resolve(ctx, args[1])
	if err != nil {
		return err
	}

	return transfer(ctx, cmd, src, intoDir(ctx, args[1], src, dst), move)
}

func runPut(cmd *cobra.Command, args []string) error {
	s, err := openSession(cmd)
	if err != nil {
		return err
	}

	ctx := cmd.Context()

	host, err := s.hostFS()
	if err != nil {
		return err
	}

	src, err := hostPath(host, args[0])
	if err != nil {
		return err
	}

	dst, err := s.resolve(ctx, args[1])
	if err != nil {
		return err
	}

	return transfer(ctx, cmd, src, intoDir(ctx, args[1], src, dst), false)
}

func runGet(cmd *cobra.Command, args []string) error {
	s, err := openSession(cmd)
	if err != nil {
		return err
	}

	ctx := cmd.Context()

	src, err := s.resolve(ctx, args[0])
	if err != nil {
		return err
	}

	local := "."
	if len(args) > 1 {
		local = args[1]
	}

	host, err := s.hostFS()
	if err != nil {
		return err
	}

	dst, err := hostPath(host, local)
	if err != nil {
		return err
	}

	return transfer(ctx, cmd, src, intoDir(ctx, local, src, dst), false)
}

// intoDir places src inside dst when the destination argument names a
// folder, either with a trailing slash or because the folder exists.
func intoDir(ctx context.Context, arg string, src, dst storage.Path) storage.Path {
	if strings.HasSuffix(arg, "/") || dst.IsDir(ctx) {
		return dst.Join(src.Base())
	}

	return dst
}

func transfer(ctx context.Context, cmd *cobra.Command, src, dst storage.Path, move bool) error {
	force, _ := cmd.Flags().GetBool("force")
	progress, _ := cmd.Flags().GetBool("progress")
	contentLength, _ := cmd.Flags().GetBool("content-length")

	opts := storage.CopyOptions{Overwrite: force, ContentLength: contentLength}

	if progress && !flagQuiet {
		opts.OnProgress = newProgressPrinter(os.Stderr).report
	}

	verb, op := "Copied", src.CopyTo
	if move {
		verb, op = "Moved", src.MoveTo
	}

	if err := op(ctx, dst, opts); err != nil {
		return err
	}

	statusf(flagQuiet, "%s %s -> %s\n", verb, src, dst)

	return nil
}
