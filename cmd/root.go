package cmd

import (
	"fmt"
	u "net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/spf13/cobra"

	"github.com/saltflake/modfetch/internal/output"
	"github.com/saltflake/modfetch/internal/resolver"
	"github.com/saltflake/modfetch/internal/scheduler"
	"github.com/saltflake/modfetch/internal/store"
	"github.com/saltflake/modfetch/internal/utils"
)

var (
	outputPath    string
	urlListFile   string
	numWorkers    int
	connections   int
	timeout       time.Duration
	kaTimeout     time.Duration
	userAgent     string
	proxyURL      string
	proxyUsername string
	proxyPassword string
	headers       []string
	expectedHash  string
	stateFile     string
	destDir       string
	debug         bool
)

var ModfetchVersion = "dev"

var rootCmd = &cobra.Command{
	Use:     "modfetch [url]...",
	Short:   "Modfetch is a fast chunked download manager with restart recovery",
	Version: ModfetchVersion,
	Args:    cobra.ArbitraryArgs,
	Run: func(cmd *cobra.Command, args []string) {
		utils.InitLogger(debug)
		if len(args) == 0 && urlListFile == "" {
			output.PrintError("No URL or URL list provided")
			os.Exit(1)
		}
		if urlListFile != "" && len(args) > 0 {
			output.PrintError("Cannot specify url arguments and --urllist together, choose one")
			os.Exit(1)
		}
		var submissions []submission
		if len(args) > 0 {
			// All positional URLs are candidates for one download; the
			// engine falls back through them in order.
			for _, raw := range args {
				if _, err := u.Parse(raw); err != nil {
					output.PrintError("Invalid URL format: " + raw)
					os.Exit(1)
				}
			}
			submissions = []submission{{urls: args, dest: outputPath, hash: expectedHash}}
		} else {
			entries, err := utils.ReadDownloadList(urlListFile)
			if err != nil {
				output.PrintError("Failed to read URL list file")
				os.Exit(1)
			}
			for _, entry := range entries {
				submissions = append(submissions, submission{
					urls: []string{entry.URL}, dest: entry.OutputPath, hash: entry.Hash,
				})
			}
		}
		eng, err := newEngine()
		if err != nil {
			output.PrintError(err.Error())
			os.Exit(1)
		}
		if err := runDownloads(eng, submissions); err != nil {
			fmt.Println()
			output.PrintError("Encountered failed operation(s)")
			os.Exit(1)
		}
	},
}

type submission struct {
	urls []string
	dest string
	hash string
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newEngine() (*scheduler.Engine, error) {
	if userAgent == "randomize" {
		userAgent = utils.GetRandomUserAgent()
	}
	// Pull auth out of the proxy URL when given inline
	parsedProxy, err := u.Parse(proxyURL)
	if err == nil && parsedProxy.User != nil && proxyUsername == "" {
		proxyUsername = parsedProxy.User.Username()
		if password, set := parsedProxy.User.Password(); set {
			proxyPassword = password
		}
		parsedProxy.User = nil
		proxyURL = parsedProxy.String()
	}
	clientConfig := utils.HTTPClientConfig{
		Timeout:       timeout,
		KATimeout:     kaTimeout,
		ProxyURL:      proxyURL,
		ProxyUsername: proxyUsername,
		ProxyPassword: proxyPassword,
		UserAgent:     userAgent,
		Headers:       utils.ParseHeaderArgs(headers),
	}
	workers := numWorkers
	if workers < 1 {
		workers = 2
		if cores, err := cpu.Counts(true); err == nil {
			workers = max(cores/2, 2)
		}
	}
	registry := resolver.DefaultRegistry()
	if err := registry.Register(resolver.NewS3()); err != nil {
		return nil, err
	}
	if err := registry.Register(&resolver.GDrive{}); err != nil {
		return nil, err
	}
	cfg := scheduler.Config{
		GlobalLimit:  workers,
		ChunkLimit:   connections,
		DestDir:      destDir,
		ClientConfig: clientConfig,
	}
	return scheduler.New(cfg,
		scheduler.WithRegistry(registry),
		scheduler.WithStore(store.New(stateFile))), nil
}

// runDownloads drives the engine for a fixed set of submissions, rendering
// progress until every one reaches a terminal state or the user interrupts.
func runDownloads(eng *scheduler.Engine, submissions []submission) error {
	if err := eng.Start(); err != nil {
		return err
	}
	display := output.NewDisplay()
	display.Start()
	remaining := 0
	for _, sub := range submissions {
		id, err := eng.Submit(sub.urls, sub.dest, sub.hash)
		if err != nil {
			output.PrintError(fmt.Sprintf("Rejected %s: %v", sub.urls[0], err))
			continue
		}
		name := sub.dest
		if name == "" {
			name = sub.urls[0]
		}
		display.Track(id, name)
		remaining++
	}
	if remaining == 0 {
		eng.Stop()
		display.Stop()
		return fmt.Errorf("no downloads submitted")
	}
	return waitForDownloads(eng, display, remaining)
}

func waitForDownloads(eng *scheduler.Engine, display *output.Display, remaining int) error {
	allDone := make(chan struct{})
	failed := 0
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		signaled := false
		for ev := range eng.Events() {
			display.Update(ev)
			switch ev.Type {
			case scheduler.EventFinished, scheduler.EventFailed, scheduler.EventRemoved:
				if ev.Type != scheduler.EventFinished {
					failed++
				}
				remaining--
				if remaining == 0 && !signaled {
					signaled = true
					close(allDone)
				}
			}
		}
	}()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	interrupted := false
	select {
	case <-allDone:
	case <-sigCh:
		// State is persisted on shutdown; a later resume picks it up
		interrupted = true
	}
	eng.Stop()
	wg.Wait()
	display.Stop()
	if interrupted {
		output.PrintWarning("Interrupted, partial state saved; run 'modfetch resume' to continue")
		return nil
	}
	if failed > 0 {
		return fmt.Errorf("%d download(s) did not finish", failed)
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&stateFile, "state-file", utils.DefaultStateFile, "Path to the download state file")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")

	rootCmd.Flags().StringVarP(&outputPath, "output", "o", "", "Output file path (inferred from the server if not provided)")
	rootCmd.Flags().StringVarP(&urlListFile, "urllist", "l", "", "Path to YAML file containing URLs and output paths")
	rootCmd.Flags().IntVarP(&numWorkers, "workers", "w", 0, "Number of downloads to run in parallel (0 sizes from CPU count)")
	rootCmd.Flags().IntVarP(&connections, "connections", "c", 4, "Number of connections per download (above 5 enables high-thread-mode)")
	rootCmd.Flags().DurationVarP(&timeout, "timeout", "t", 3*time.Minute, "Connection timeout (eg. 5s, 10m)")
	rootCmd.Flags().DurationVarP(&kaTimeout, "keep-alive-timeout", "k", 90*time.Second, "Keep-alive timeout for client (eg. 10s, 1m, 80s)")
	rootCmd.Flags().StringVarP(&userAgent, "user-agent", "a", utils.ToolUserAgent, "User agent ('randomize' picks a browser agent)")
	rootCmd.Flags().StringVarP(&proxyURL, "proxy", "p", "", "HTTP/HTTPS proxy URL (e.g., proxy.example.com:8080)")
	rootCmd.Flags().StringVar(&proxyUsername, "proxy-username", "", "Proxy username (if not provided in proxy URL)")
	rootCmd.Flags().StringVar(&proxyPassword, "proxy-password", "", "Proxy password (if not provided in proxy URL)")
	rootCmd.Flags().StringArrayVarP(&headers, "header", "H", []string{}, "Custom headers (like 'Authorization: Basic dXNlcjpwYXNz'); can be specified multiple times")
	rootCmd.Flags().StringVar(&expectedHash, "hash", "", "Expected MD5/SHA1/SHA256 hex digest, verified after download")
	rootCmd.Flags().StringVar(&destDir, "dir", "", "Directory for downloaded files")

	rootCmd.AddCommand(newResumeCmd())
	rootCmd.AddCommand(newCleanCmd())
}
