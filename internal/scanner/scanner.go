package scanner

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/sensorlink/internal/device"
	"github.com/srg/sensorlink/internal/events"
)

// ProgressCallback is called when the scan phase changes
type ProgressCallback func(phase string)

// EventType marks if the board was newly discovered or updated
type EventType int

const (
	EventNew EventType = iota
	EventUpdated
)

type Event struct {
	Type  EventType
	Board Board
}

// Board is a candidate sensor board seen during a scan.
type Board struct {
	Address     string    `json:"address"`
	Name        string    `json:"name,omitempty"`
	RSSI        int       `json:"rssi"`
	TxPower     int       `json:"tx_power,omitempty"`
	Connectable bool      `json:"connectable"`
	Services    []string  `json:"services,omitempty"`
	LastSeen    time.Time `json:"last_seen"`
}

// entry guards one board against concurrent advertisement callbacks.
type entry struct {
	mu    sync.Mutex
	board Board
}

func (e *entry) update(adv device.Advertisement, now time.Time) Board {
	e.mu.Lock()
	defer e.mu.Unlock()
	if adv.Name != "" {
		e.board.Name = adv.Name
	}
	e.board.RSSI = adv.RSSI
	if adv.TxPower != 0 {
		e.board.TxPower = adv.TxPower
	}
	e.board.Connectable = adv.Connectable
	if len(adv.Services) > 0 {
		e.board.Services = append([]string(nil), adv.Services...)
	}
	e.board.LastSeen = now
	return e.board
}

func (e *entry) snapshot() Board {
	e.mu.Lock()
	defer e.mu.Unlock()
	b := e.board
	b.Services = append([]string(nil), e.board.Services...)
	return b
}

// Options configures scanning behavior
type Options struct {
	Duration        time.Duration
	DuplicateFilter bool
	ServiceUUIDs    []string
	NamePrefix      string
	AllowList       []string
	BlockList       []string
}

// DefaultOptions returns default scanning options
func DefaultOptions() *Options {
	return &Options{
		Duration:        10 * time.Second,
		DuplicateFilter: true,
	}
}

// Scanner handles BLE discovery
type Scanner struct {
	source device.Scanner
	boards *hashmap.Map[string, *entry]
	events *events.RingChannel[Event]
	logger *logrus.Logger
	now    func() time.Time

	opts *Options
}

func New(source device.Scanner, logger *logrus.Logger) *Scanner {
	if logger == nil {
		logger = logrus.New()
	}
	return &Scanner{
		source: source,
		boards: hashmap.New[string, *entry](),
		events: events.NewRingChannel[Event](100),
		logger: logger,
		now:    time.Now,
	}
}

// Scan listens for advertisements for opts.Duration and returns the matching
// boards, strongest signal first. A zero duration scans until ctx is done.
func (s *Scanner) Scan(ctx context.Context, opts *Options, progress ProgressCallback) ([]Board, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	if progress == nil {
		progress = func(string) {}
	}
	s.boards = hashmap.New[string, *entry]()
	s.opts = normalizeOptions(opts)

	if opts.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Duration)
		defer cancel()
	}

	s.logger.WithField("duration", opts.Duration).Info("Starting BLE scan...")
	progress("Scanning")

	if err := s.source.Scan(ctx, !opts.DuplicateFilter, s.handleAdvertisement); err != nil {
		return nil, fmt.Errorf("scan failed: %w", err)
	}

	s.logger.WithField("device_count", s.boards.Len()).Info("BLE scan completed")
	progress("Processing results")

	return s.Boards(), nil
}

// Boards returns a snapshot of the boards seen by the last scan.
func (s *Scanner) Boards() []Board {
	boards := make([]Board, 0, s.boards.Len())
	s.boards.Range(func(_ string, e *entry) bool {
		boards = append(boards, e.snapshot())
		return true
	})
	sort.Slice(boards, func(i, j int) bool {
		if boards[i].RSSI != boards[j].RSSI {
			return boards[i].RSSI > boards[j].RSSI
		}
		return boards[i].Address < boards[j].Address
	})
	return boards
}

// Events return a read-only channel of discovery events
func (s *Scanner) Events() <-chan Event {
	return s.events.C()
}

func (s *Scanner) handleAdvertisement(adv device.Advertisement) {
	address := strings.ToUpper(adv.Address)

	e, existing := s.boards.Get(address)
	if !existing {
		if !s.include(address, adv) {
			return
		}
		// Insert, not GetOrInsert: the latter can file entries Get misses
		e = &entry{board: Board{Address: address}}
		if !s.boards.Insert(address, e) {
			e, existing = s.boards.Get(address)
			if !existing {
				return
			}
		}
	}

	board := e.update(adv, s.now())
	event := Event{Type: EventUpdated, Board: board}
	if !existing {
		s.logger.WithFields(logrus.Fields{
			"device":  board.Name,
			"address": board.Address,
			"rssi":    board.RSSI,
		}).Info("Discovered new device")
		event.Type = EventNew
	}

	s.events.Send(event)
}

// include applies the allow/block/name/service filters
func (s *Scanner) include(address string, adv device.Advertisement) bool {
	opts := s.opts

	for _, blocked := range opts.BlockList {
		if address == blocked {
			return false
		}
	}

	if len(opts.AllowList) > 0 && !contains(opts.AllowList, address) {
		return false
	}

	if opts.NamePrefix != "" && !strings.HasPrefix(strings.ToLower(adv.Name), strings.ToLower(opts.NamePrefix)) {
		return false
	}

	if len(opts.ServiceUUIDs) > 0 {
		for _, u := range adv.Services {
			if contains(opts.ServiceUUIDs, device.NormalizeUUID(u)) {
				return true
			}
		}
		return false
	}

	return true
}

func normalizeOptions(opts *Options) *Options {
	n := *opts
	n.ServiceUUIDs = device.NormalizeUUIDs(opts.ServiceUUIDs)
	n.AllowList = upper(opts.AllowList)
	n.BlockList = upper(opts.BlockList)
	return &n
}

func upper(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToUpper(strings.TrimSpace(s))
	}
	return out
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
