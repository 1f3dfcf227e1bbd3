// FILE: store.go
// Package main – Directory-backed identity store.
//
// Layout under data_dir:
//   active/<name>/        one directory per identity, in exactly one state dir
//   paused/<name>/
//   inactive/<name>/
//   pending/<name>/
//     token               credential token (0600)
//     coordinator         coordinator id
//     orders/<id>.json    append-only order snapshots, latest = highest id
//   locks/<name>.lock     advisory lock files (lock.go)
//   waiting.yaml          waiting queue (queue.go)
//
// The state of an identity is the directory holding it. Move is a single
// rename, so an identity is never visible in two state dirs; if it ever is
// (manual copy, crashed tooling) Locate reports ErrInconsistentState instead
// of picking one.

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// RobotState is the partition an identity lives in.
type RobotState int

const (
	StateActive RobotState = iota
	StatePaused
	StateInactive
	StatePending
)

var allStates = []RobotState{StateActive, StatePaused, StateInactive, StatePending}

func (s RobotState) String() string {
	switch s {
	case StateActive:
		return "active"
	case StatePaused:
		return "paused"
	case StateInactive:
		return "inactive"
	case StatePending:
		return "pending"
	}
	return "state(" + strconv.Itoa(int(s)) + ")"
}

func ParseRobotState(s string) (RobotState, error) {
	for _, st := range allStates {
		if st.String() == strings.ToLower(strings.TrimSpace(s)) {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown robot state %q", s)
}

// Robot is one identity as recorded on disk.
type Robot struct {
	Name        string
	State       RobotState
	Coordinator string
	Token       Secret
}

// Store is the on-disk identity repository.
type Store struct {
	root string
}

// NewStore creates the partition directories if needed.
func NewStore(root string) (*Store, error) {
	for _, st := range allStates {
		if err := os.MkdirAll(filepath.Join(root, st.String()), 0o700); err != nil {
			return nil, fmt.Errorf("create %s dir: %w", st, err)
		}
	}
	if err := os.MkdirAll(filepath.Join(root, "locks"), 0o700); err != nil {
		return nil, fmt.Errorf("create locks dir: %w", err)
	}
	return &Store{root: root}, nil
}

func (s *Store) Root() string { return s.root }

func (s *Store) dir(state RobotState, name string) string {
	return filepath.Join(s.root, state.String(), name)
}

func validName(name string) error {
	if name == "" || strings.HasPrefix(name, ".") || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("invalid robot name %q", name)
	}
	return nil
}

// Locate returns the single state holding name.
func (s *Store) Locate(name string) (RobotState, error) {
	if err := validName(name); err != nil {
		return 0, err
	}
	var found []RobotState
	for _, st := range allStates {
		info, err := os.Stat(s.dir(st, name))
		if err == nil && info.IsDir() {
			found = append(found, st)
		} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return 0, fmt.Errorf("stat %s/%s: %w", st, name, err)
		}
	}
	switch len(found) {
	case 0:
		return 0, fmt.Errorf("robot %s: %w", name, ErrNotFound)
	case 1:
		return found[0], nil
	}
	return 0, fmt.Errorf("robot %s in %v: %w", name, found, ErrInconsistentState)
}

// Load reads one identity's record.
func (s *Store) Load(name string) (*Robot, error) {
	st, err := s.Locate(name)
	if err != nil {
		return nil, err
	}
	dir := s.dir(st, name)
	token, err := readTrimmed(filepath.Join(dir, "token"))
	if err != nil {
		return nil, fmt.Errorf("robot %s token: %w", name, err)
	}
	coord, err := readTrimmed(filepath.Join(dir, "coordinator"))
	if err != nil {
		return nil, fmt.Errorf("robot %s coordinator: %w", name, err)
	}
	return &Robot{Name: name, State: st, Coordinator: coord, Token: Secret(token)}, nil
}

// List returns the names in one partition, sorted.
func (s *Store) List(state RobotState) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, state.String()))
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", state, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Move transfers name from one partition to another with one rename.
func (s *Store) Move(name string, from, to RobotState) error {
	cur, err := s.Locate(name)
	if err != nil {
		return err
	}
	if cur != from {
		return fmt.Errorf("robot %s is %s, not %s", name, cur, from)
	}
	if from == to {
		return nil
	}
	dst := s.dir(to, name)
	if _, err := os.Stat(dst); err == nil {
		return fmt.Errorf("robot %s already in %s: %w", name, to, ErrInconsistentState)
	}
	if err := os.Rename(s.dir(from, name), dst); err != nil {
		return fmt.Errorf("move %s %s->%s: %w", name, from, to, err)
	}
	return nil
}

// Import records a new identity. The name must not exist in any partition.
func (s *Store) Import(name, coordinator string, token Secret, state RobotState) error {
	if _, err := s.Locate(name); err == nil {
		return fmt.Errorf("robot %s already exists", name)
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	if coordinator == "" || token == "" {
		return errors.New("coordinator and token are required")
	}
	// build in a hidden staging dir so a half-written robot is never listed
	tmp, err := os.MkdirTemp(filepath.Join(s.root, state.String()), ".import-")
	if err != nil {
		return fmt.Errorf("stage robot %s: %w", name, err)
	}
	defer os.RemoveAll(tmp)
	if err := os.WriteFile(filepath.Join(tmp, "token"), []byte(token.Value()+"\n"), 0o600); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(tmp, "coordinator"), []byte(coordinator+"\n"), 0o600); err != nil {
		return err
	}
	if err := os.Mkdir(filepath.Join(tmp, "orders"), 0o700); err != nil {
		return err
	}
	return os.Rename(tmp, s.dir(state, name))
}

// Remove deletes an identity and its order history.
func (s *Store) Remove(name string) error {
	st, err := s.Locate(name)
	if err != nil {
		return err
	}
	return os.RemoveAll(s.dir(st, name))
}

// SaveSnapshot writes orders/<id>.json for the robot's current partition.
// Re-saving the same order id refreshes it; other ids are never touched.
func (s *Store) SaveSnapshot(r *Robot, snap *OrderSnapshot) error {
	if snap == nil || snap.ID() <= 0 {
		return errors.New("snapshot without order id")
	}
	dir := filepath.Join(s.dir(r.State, r.Name), "orders")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	bs, err := json.MarshalIndent(snap, "", " ")
	if err != nil {
		return err
	}
	path := filepath.Join(dir, strconv.Itoa(snap.ID())+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, bs, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// OrderIDs lists stored order ids ascending.
func (s *Store) OrderIDs(r *Robot) ([]int, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir(r.State, r.Name), "orders"))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ids []int
	for _, e := range entries {
		base, ok := strings.CutSuffix(e.Name(), ".json")
		if !ok {
			continue
		}
		if id, err := strconv.Atoi(base); err == nil && id > 0 {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	return ids, nil
}

// LatestSnapshot returns the snapshot with the highest order id.
func (s *Store) LatestSnapshot(r *Robot) (*OrderSnapshot, error) {
	ids, err := s.OrderIDs(r)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("robot %s orders: %w", r.Name, ErrNotFound)
	}
	path := filepath.Join(s.dir(r.State, r.Name), "orders", strconv.Itoa(ids[len(ids)-1])+".json")
	bs, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var snap OrderSnapshot
	if err := json.Unmarshal(bs, &snap); err != nil {
		return nil, malformed("stored snapshot", bs, err)
	}
	return &snap, nil
}

func readTrimmed(path string) (string, error) {
	bs, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(bs)), nil
}
