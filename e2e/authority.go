package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"
)

// authority is a mock rule authority: it keeps the current rule set, sends
// a snapshot to every new subscriber and broadcasts changes as event-stream
// envelopes. It also acts as the analytics collector.
type authority struct {
	token string
	srv   *http.Server
	addr  string

	mu     sync.Mutex
	rules  map[string]json.RawMessage
	subs   map[chan string]struct{}
	kick   chan struct{} // closed to drop every subscriber
	visits []visit
	conns  int
}

// visit is the subset of the collector payload the suite inspects.
type visit struct {
	Path           string  `json:"path"`
	Destination    string  `json:"destination"`
	IP             string  `json:"ip"`
	UserAgent      *string `json:"user_agent"`
	Referrer       *string `json:"referrer"`
	ReferrerSource string  `json:"referrer_source"`
	Status         int     `json:"status"`
	DeviceType     string  `json:"device_type"`
}

func startAuthority(token string) (*authority, error) {
	a := &authority{
		token: token,
		rules: make(map[string]json.RawMessage),
		subs:  make(map[chan string]struct{}),
		kick:  make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/sync/stream", a.serveStream)
	mux.HandleFunc("/v1/collect", a.serveCollect)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	a.addr = ln.Addr().String()
	a.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := a.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			warn("mock authority: %v", err)
		}
	}()
	return a, nil
}

func (a *authority) streamURL() string  { return "http://" + a.addr + "/sync/stream" }
func (a *authority) collectURL() string { return "http://" + a.addr }

func (a *authority) serveStream(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer "+a.token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	fl, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ch := make(chan string, 64)
	a.mu.Lock()
	a.subs[ch] = struct{}{}
	a.conns++
	kick := a.kick
	snapshot := a.snapshotLocked()
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		delete(a.subs, ch)
		a.mu.Unlock()
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "data: {\"type\":\"connected\"}\n\n")
	fmt.Fprint(w, frame("snapshot", snapshot))
	fl.Flush()

	ping := time.NewTicker(10 * time.Second)
	defer ping.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-kick:
			return
		case f := <-ch:
			fmt.Fprint(w, f)
			fl.Flush()
		case <-ping.C:
			fmt.Fprint(w, "data: {\"type\":\"ping\"}\n\n")
			fl.Flush()
		}
	}
}

func (a *authority) serveCollect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	var v visit
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	a.mu.Lock()
	a.visits = append(a.visits, v)
	a.mu.Unlock()
	w.WriteHeader(http.StatusAccepted)
}

func (a *authority) snapshotLocked() json.RawMessage {
	ids := make([]string, 0, len(a.rules))
	for id := range a.rules {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	list := make([]json.RawMessage, 0, len(ids))
	for _, id := range ids {
		list = append(list, a.rules[id])
	}
	b, _ := json.Marshal(list)
	return b
}

func frame(eventType string, data json.RawMessage) string {
	b, _ := json.Marshal(struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}{eventType, data})
	return "data: " + string(b) + "\n\n"
}

func (a *authority) broadcastLocked(f string) {
	for ch := range a.subs {
		select {
		case ch <- f:
		default:
			warn("mock authority: subscriber buffer full, frame dropped")
		}
	}
}

// upsert stores rule and broadcasts it as a create or update.
func (a *authority) upsert(rule map[string]any) {
	b, err := json.Marshal(rule)
	if err != nil {
		fatal("marshal rule: %v", err)
	}
	id, _ := rule["id"].(string)

	a.mu.Lock()
	defer a.mu.Unlock()
	kind := "create"
	if _, ok := a.rules[id]; ok {
		kind = "update"
	}
	a.rules[id] = b
	a.broadcastLocked(frame(kind, b))
}

// remove deletes a rule and broadcasts the delete.
func (a *authority) remove(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.rules, id)
	b, _ := json.Marshal(map[string]string{"id": id})
	a.broadcastLocked(frame("delete", b))
}

// removeSilently deletes a rule without telling subscribers; only the next
// snapshot reflects it.
func (a *authority) removeSilently(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.rules, id)
}

// dropSubscribers closes every open stream.
func (a *authority) dropSubscribers() {
	a.mu.Lock()
	defer a.mu.Unlock()
	close(a.kick)
	a.kick = make(chan struct{})
}

func (a *authority) connections() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conns
}

func (a *authority) visitCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.visits)
}

func (a *authority) visitsFor(path string) []visit {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []visit
	for _, v := range a.visits {
		if v.Path == path {
			out = append(out, v)
		}
	}
	return out
}

func (a *authority) stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a.dropSubscribers()
	_ = a.srv.Shutdown(ctx)
}
