package outbox

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Order is the journal record of a submission attempt and its acknowledgment.
type Order struct {
	EpochKey      string    `json:"epoch_key"`
	ScriptID      uint      `json:"script_id"`
	Symbol        string    `json:"symbol"`
	Side          string    `json:"side"`
	Quantity      int64     `json:"quantity"`
	Price         string    `json:"price"`
	ClientOrderID string    `json:"client_order_id"`
	OrderID       string    `json:"order_id,omitempty"`
	Status        string    `json:"status"` // submitting | ok | not_ok | error
	Reason        string    `json:"reason,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Fill is the journal record of a terminal order status.
type Fill struct {
	EpochKey     string    `json:"epoch_key"`
	ScriptID     uint      `json:"script_id"`
	OrderID      string    `json:"order_id"`
	Symbol       string    `json:"symbol"`
	Side         string    `json:"side"`
	Status       string    `json:"status"` // filled | rejected | cancelled
	Quantity     int64     `json:"quantity"`
	Price        string    `json:"price"`
	RejectReason string    `json:"reject_reason,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

type Entry struct {
	Type  string          `json:"type"`
	Data  json.RawMessage `json:"data"`
	Event time.Time       `json:"event"`
}

// Journal is an append-only JSONL audit log of order activity.
type Journal struct {
	mu   sync.Mutex
	path string
}

func NewJournal(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	return &Journal{path: path}, nil
}

func (j *Journal) WriteOrder(order Order) error {
	return j.append("order", order)
}

func (j *Journal) WriteFill(fill Fill) error {
	return j.append("fill", fill)
}

func (j *Journal) append(typ string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	line, err := json.Marshal(Entry{Type: typ, Data: data, Event: time.Now().UTC()})
	if err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	f, err := os.OpenFile(j.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(line, '\n'))
	return err
}

// Entries reads the journal back, skipping malformed lines.
func (j *Journal) Entries() ([]Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	f, err := os.Open(j.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, scanner.Err()
}
