package connection

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

var ErrUnknownRank = errors.New("no address registered for rank")

// Registry is the shared file through which servers announce their
// addresses. Each line is "<rank> <address>"; a later line for the same rank
// wins.
type Registry struct {
	path string

	mu    sync.RWMutex
	addrs map[int]string
}

// NewRegistry returns the registry for a job, stored in dir as
// .ports.cfg.<jobID>.
func NewRegistry(dir, jobID string) *Registry {
	return &Registry{
		path:  filepath.Join(dir, ".ports.cfg."+jobID),
		addrs: make(map[int]string),
	}
}

// Path returns the registry file location.
func (r *Registry) Path() string { return r.path }

// Publish appends rank's address under an exclusive lock so concurrent
// servers never interleave lines.
func (r *Registry) Publish(rank int, address string) error {
	if strings.ContainsAny(address, " \n") {
		return fmt.Errorf("invalid address %q", address)
	}
	f, err := os.OpenFile(r.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open registry %s: %w", r.path, err)
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("lock registry %s: %w", r.path, err)
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)

	if _, err := fmt.Fprintf(f, "%d %s\n", rank, address); err != nil {
		return fmt.Errorf("write registry %s: %w", r.path, err)
	}

	r.mu.Lock()
	r.addrs[rank] = address
	r.mu.Unlock()
	return nil
}

// Load rereads the file under a shared lock and replaces the cache.
func (r *Registry) Load() error {
	f, err := os.Open(r.path)
	if err != nil {
		return fmt.Errorf("open registry %s: %w", r.path, err)
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_SH); err != nil {
		return fmt.Errorf("lock registry %s: %w", r.path, err)
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)

	addrs := make(map[int]string)
	scanner := bufio.NewScanner(f)
	for lineNo := 1; scanner.Scan(); lineNo++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return fmt.Errorf("registry %s line %d: want \"<rank> <address>\", got %q", r.path, lineNo, line)
		}
		rank, err := strconv.Atoi(fields[0])
		if err != nil || rank < 0 {
			return fmt.Errorf("registry %s line %d: bad rank %q", r.path, lineNo, fields[0])
		}
		addrs[rank] = fields[1]
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read registry %s: %w", r.path, err)
	}

	r.mu.Lock()
	r.addrs = addrs
	r.mu.Unlock()
	return nil
}

// Resolve returns the address of rank, reloading the file once on a miss.
func (r *Registry) Resolve(rank int) (string, error) {
	r.mu.RLock()
	addr, ok := r.addrs[rank]
	r.mu.RUnlock()
	if ok {
		return addr, nil
	}

	if err := r.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if addr, ok := r.addrs[rank]; ok {
		return addr, nil
	}
	return "", fmt.Errorf("%w %d", ErrUnknownRank, rank)
}

// Ranks returns the known ranks in ascending order.
func (r *Registry) Ranks() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ranks := make([]int, 0, len(r.addrs))
	for rank := range r.addrs {
		ranks = append(ranks, rank)
	}
	sort.Ints(ranks)
	return ranks
}

// Len returns the number of known ranks.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.addrs)
}
