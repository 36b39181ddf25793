package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/sushant-115/hvac/config"
	"github.com/sushant-115/hvac/config/certs"
	"github.com/sushant-115/hvac/core/msread"
	"github.com/sushant-115/hvac/core/transport"
	"github.com/sushant-115/hvac/pkg/connection"
	"github.com/sushant-115/hvac/pkg/logger"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
)

const (
	defaultBlockSize = 1 << 20
	certValidity     = 365 * 24 * time.Hour
	historyFile      = ".hvac_history"
)

// session is the client side of a job: the registry of servers and the
// read coordinator racing over them.
type session struct {
	cfg         *config.Config
	logger      *zap.Logger
	registry    *connection.Registry
	conns       *connection.ConnManager
	client      *transport.Client
	coordinator *msread.Coordinator
}

func newSession() (*session, error) {
	if err := config.LoadDotEnv(); err != nil {
		return nil, err
	}
	cfg, err := config.Load(config.ClientRole)
	if err != nil {
		return nil, err
	}
	zlogger, err := logger.New(cfg.Logger, logger.ForProcess("client", cfg.Rank, cfg.JobID)...)
	if err != nil {
		return nil, err
	}

	var opts []grpc.DialOption
	if cfg.TLSDir != "" {
		tlsCfg, err := certs.ClientTLS(cfg.TLSDir, "")
		if err != nil {
			return nil, err
		}
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(tlsCfg)))
	}

	registry := connection.NewRegistry(cfg.RegistryDir, cfg.JobID)
	if err := registry.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	conns := connection.NewConnManager(opts...)
	client := transport.NewClient(registry, conns, zlogger)
	coordinator := msread.NewCoordinator(
		msread.Config{Timeout: cfg.ReadTimeout, LocalFallback: true},
		msread.NewDescriptorTable(cfg.DataDir),
		client, nil, zlogger, nil, nil)

	return &session{
		cfg:         cfg,
		logger:      zlogger,
		registry:    registry,
		conns:       conns,
		client:      client,
		coordinator: coordinator,
	}, nil
}

func (s *session) close() {
	if err := s.conns.Close(); err != nil {
		s.logger.Warn("Failed to close server connections", zap.Error(err))
	}
	_ = s.logger.Sync()
}

// cat prints files through the coordinator. Files under the data directory
// are raced across their servers; anything else is read locally.
func (s *session) cat(args []string) {
	fs := flag.NewFlagSet("cat", flag.ContinueOnError)
	bs := fs.Int("bs", defaultBlockSize, "read size in bytes")
	if err := fs.Parse(args); err != nil {
		return
	}
	if fs.NArg() == 0 || *bs <= 0 {
		fmt.Println("Error: cat requires [-bs N] <file>...")
		return
	}
	for _, name := range fs.Args() {
		if err := s.catFile(name, *bs, os.Stdout); err != nil {
			fmt.Printf("Error: %s: %v\n", name, err)
		}
	}
}

func (s *session) catFile(name string, blockSize int, out io.Writer) error {
	path, err := filepath.Abs(name)
	if err != nil {
		return err
	}
	flags := unix.O_RDONLY | unix.O_CLOEXEC
	fd, err := unix.Open(path, flags, 0)
	if err != nil {
		return err
	}
	defer unix.Close(fd)

	ctx := context.Background()
	table := s.coordinator.Table()
	if table.ShouldTrack(path, flags) {
		if err := s.client.Attach(ctx, table, fd, path); err != nil {
			// The file is still readable locally.
			s.logger.Warn("Could not attach to tier servers", zap.String("path", path), zap.Error(err))
		} else {
			defer func() {
				if err := s.client.Detach(ctx, table, fd); err != nil {
					s.logger.Warn("Failed to release server descriptors", zap.String("path", path), zap.Error(err))
				}
			}()
		}
	}

	buf := make([]byte, blockSize)
	var offset int64
	for {
		n, err := s.coordinator.Read(ctx, fd, buf, offset)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		if _, err := out.Write(buf[:n]); err != nil {
			return err
		}
		offset += int64(n)
	}
}

// open reports where each server holds path, then releases the descriptors.
func (s *session) open(path string) {
	path, err := filepath.Abs(path)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ReadTimeout)
	defer cancel()
	ranks := s.client.Ranks(path)
	if len(ranks) == 0 {
		fmt.Println("Error: no servers registered for this job.")
		return
	}
	for _, rank := range ranks {
		resp, err := s.client.Open(ctx, rank, path)
		if err != nil {
			fmt.Printf("rank %d: error: %v\n", rank, err)
			continue
		}
		fmt.Printf("rank %d: tier=%s size=%d redirected=%t\n", rank, resp.Tier, resp.Size, resp.Redirected)
		if err := s.client.Close(ctx, rank, resp.FD); err != nil {
			fmt.Printf("rank %d: close failed: %v\n", rank, err)
		}
	}
}

func (s *session) servers() {
	if err := s.registry.Load(); err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	fmt.Printf("Registry: %s\n", s.registry.Path())
	for _, rank := range s.registry.Ranks() {
		addr, _ := s.registry.Resolve(rank)
		fmt.Printf("  rank %d  %s\n", rank, addr)
	}
}

func gencerts(args []string) {
	if len(args) < 2 {
		fmt.Println("Error: gencerts requires <dir> <host>...")
		return
	}
	if err := certs.Generate(args[0], args[1:], certValidity); err != nil {
		fmt.Printf("Error generating certificates: %v\n", err)
		return
	}
	fmt.Printf("Wrote CA, server and client certificates to %s\n", args[0])
}

func (s *session) processCommand(args []string) {
	if len(args) == 0 {
		fmt.Println("Error: No command provided.")
		return
	}

	command := strings.ToLower(args[0])

	switch command {
	case "cat":
		s.cat(args[1:])
	case "open":
		if len(args) < 2 {
			fmt.Println("Error: open command requires a path.")
			return
		}
		s.open(args[1])
	case "servers":
		s.servers()
	case "gencerts":
		gencerts(args[1:])
	case "help":
		fmt.Println("Commands:")
		fmt.Println("  cat [-bs N] <file>...")
		fmt.Println("  open <path>")
		fmt.Println("  servers")
		fmt.Println("  gencerts <dir> <host>...")
		fmt.Println("  help")
		fmt.Println("  exit / quit")
	case "exit", "quit":
		fmt.Println("Exiting hvac CLI.")
		s.close()
		os.Exit(0)
	default:
		fmt.Println("Error: Unknown command. Type 'help' for a list of commands.")
	}
}

func main() {
	log.SetFlags(0)

	args := os.Args[1:]
	if len(args) > 0 && strings.ToLower(args[0]) == "gencerts" {
		gencerts(args[1:])
		return
	}

	s, err := newSession()
	if err != nil {
		log.Fatalf("Error: %v", err)
	}
	defer s.close()

	if len(args) > 0 {
		s.processCommand(args)
		return
	}

	fmt.Println("hvac CLI (interactive mode). Type 'help' for commands, 'exit' or 'quit' to leave.")
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "hvac> ",
		HistoryFile:     filepath.Join(os.TempDir(), historyFile),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		log.Fatalf("Error starting interactive mode: %v", err)
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		}
		if err != nil {
			fmt.Println("Exiting hvac CLI.")
			return
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		s.processCommand(fields)
	}
}
