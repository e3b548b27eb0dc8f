// rfcachectl is the CLI/options layer in front of the rfcache registry —
// the interactive client spec.md §1 calls out as an external
// collaborator to the core cache controller. It binds the three
// recognized options (cache-root, total-bytes-limit, flush-threshold)
// through cobra/viper, the pairing the pelican reference repo uses, and
// drops into a liner-backed REPL for issuing cache lookups by hand.
package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	digest "github.com/opencontainers/go-digest"
	"github.com/peterh/liner"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/xc0derx/rfcache"
	"github.com/xc0derx/rfcache/internal/httpsource"
)

var (
	cfgFile string

	rootCmd = &cobra.Command{
		Use:   "rfcachectl",
		Short: "Inspect and drive a rfcache remote-file cache",
		Long: `rfcachectl opens a rfcache registry rooted at the configured
cache directory, recovers any entries left by a previous run, and drops
into an interactive REPL for fetching and inspecting cached entries.`,
		RunE: runServe,
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default $HOME/.rfcachectl.yaml)")
	rootCmd.Flags().String("cache-root", filepath.Join(os.TempDir(), "rfcache"), "directory entry directories live under")
	rootCmd.Flags().Int64("total-bytes-limit", 1<<30, "hard budget, in bytes, for admitted entries")
	rootCmd.Flags().Int64("flush-threshold", 4<<20, "bytes between frontier publishes")
	rootCmd.Flags().Int64("max-concurrent-downloads", 10, "maximum concurrent background downloads")

	_ = viper.BindPFlag("cache_root", rootCmd.Flags().Lookup("cache-root"))
	_ = viper.BindPFlag("total_bytes_limit", rootCmd.Flags().Lookup("total-bytes-limit"))
	_ = viper.BindPFlag("flush_threshold", rootCmd.Flags().Lookup("flush-threshold"))
	_ = viper.BindPFlag("max_concurrent_downloads", rootCmd.Flags().Lookup("max-concurrent-downloads"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.SetConfigName(".rfcachectl")
	}
	viper.SetEnvPrefix("RFCACHE")
	viper.AutomaticEnv()
	_ = viper.ReadInConfig()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg := rfcache.Config{
		CacheRoot:              viper.GetString("cache_root"),
		TotalBytesLimit:        viper.GetInt64("total_bytes_limit"),
		FlushThreshold:         viper.GetInt64("flush_threshold"),
		MaxConcurrentDownloads: viper.GetInt64("max_concurrent_downloads"),
	}

	reg, err := rfcache.NewRegistry(cfg)
	if err != nil {
		return fmt.Errorf("configure registry: %w", err)
	}
	if err := reg.RecoverCachedFilesMetadata(context.Background()); err != nil {
		return fmt.Errorf("recover cache root %s: %w", cfg.CacheRoot, err)
	}

	repl := &repl{reg: reg, client: http.DefaultClient}
	return repl.run()
}

type repl struct {
	reg    *rfcache.Registry
	client *http.Client
	liner  *liner.State
}

func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".rfcachectl_history")
}

func (r *repl) run() error {
	r.liner = liner.NewLiner()
	defer r.liner.Close()
	r.liner.SetCtrlCAborts(true)

	if f, err := os.Open(historyFile()); err == nil {
		r.liner.ReadHistory(f)
		f.Close()
	}

	fmt.Printf("rfcachectl - %d entries, %d/%d bytes reserved\n", r.reg.Len(), r.reg.TotalBytes(), viper.GetInt64("total_bytes_limit"))
	fmt.Println("Commands: get <url>, stat <url>, ls, quit")

	for {
		line, err := r.liner.Prompt("rfcache> ")
		if err != nil {
			if err == liner.ErrPromptAborted || err == io.EOF {
				fmt.Println()
				break
			}
			return fmt.Errorf("reading input: %w", err)
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		r.liner.AppendHistory(line)

		fields := strings.Fields(line)
		switch strings.ToLower(fields[0]) {
		case "exit", "quit", "q":
			r.saveHistory()
			return nil
		case "get":
			r.cmdGet(fields[1:])
		case "stat":
			r.cmdStat(fields[1:])
		case "ls":
			r.cmdLs()
		default:
			fmt.Printf("unknown command %q\n", fields[0])
		}
	}
	r.saveHistory()
	return nil
}

func (r *repl) saveHistory() {
	path := historyFile()
	if path == "" {
		return
	}
	if f, err := os.Create(path); err == nil {
		r.liner.WriteHistory(f)
		f.Close()
	}
}

func (r *repl) cmdGet(args []string) {
	if len(args) != 1 {
		fmt.Println("usage: get <url>")
		return
	}
	url := args[0]

	size, err := httpsource.HeadSize(r.client, url)
	if err != nil {
		fmt.Printf("HEAD %s: %s\n", url, err)
		return
	}
	version := digest.FromString(url + "@" + strconv.FormatInt(size, 10) + "@" + time.Now().Truncate(time.Hour).String())
	descriptor := rfcache.NewBasicDescriptor(url, version, size)

	ctrl, err := r.reg.GetOrCreate(descriptor, func() (rfcache.ByteSource, error) {
		return httpsource.Open(r.client, url, 0, 256*1024)
	})
	if err != nil {
		fmt.Printf("get %s: %s\n", url, err)
		return
	}

	reader, err := ctrl.OpenReader()
	if err != nil {
		fmt.Printf("open reader: %s\n", err)
		return
	}
	defer reader.Close()

	n, err := io.Copy(io.Discard, reader)
	if err != nil {
		fmt.Printf("read %s: %s\n", url, err)
		return
	}
	fmt.Printf("fetched %d bytes from %s (status %s)\n", n, url, ctrl.Status())
}

func (r *repl) cmdStat(args []string) {
	if len(args) != 1 {
		fmt.Println("usage: stat <url>")
		return
	}
	fmt.Printf("entries=%d total_bytes=%d\n", r.reg.Len(), r.reg.TotalBytes())
}

func (r *repl) cmdLs() {
	fmt.Printf("%d entries, %d bytes reserved\n", r.reg.Len(), r.reg.TotalBytes())
}
