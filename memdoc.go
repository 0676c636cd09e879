package docsync

import (
	"cmp"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"
)

// memOp is one last-writer-wins key write. Actor and Seq make the op unique;
// Ts (with actor as tiebreak) decides the winner per key.
type memOp struct {
	Actor Id     `json:"actor"`
	Seq   uint64 `json:"seq"`
	Key   string `json:"key"`
	Value string `json:"value"`
	Ts    int64  `json:"ts"`
}

// MemDoc is an in-memory last-writer-wins key/value document implementing
// Doc. The state vector is the per-actor max sequence number; an update is a
// JSON op list; apply is a set union, so updates are commutative and
// idempotent. Useful for tests, examples, and single-document tools that do
// not need a full CRDT engine.
type MemDoc struct {
	actor Id

	mutex sync.Mutex
	// per actor, keyed by seq
	ops       map[Id]map[uint64]memOp
	maxSeqs   map[Id]uint64
	seq       uint64
	destroyed bool

	updateCallbacks  *CallbackList[UpdateFunction]
	destroyCallbacks *CallbackList[func()]
}

func NewMemDoc() *MemDoc {
	return &MemDoc{
		actor:            NewId(),
		ops:              map[Id]map[uint64]memOp{},
		maxSeqs:          map[Id]uint64{},
		updateCallbacks:  NewCallbackList[UpdateFunction](),
		destroyCallbacks: NewCallbackList[func()](),
	}
}

func (self *MemDoc) Actor() Id {
	return self.actor
}

// Set writes a key and notifies observers with a local-origin update
func (self *MemDoc) Set(key string, value string) {
	self.mutex.Lock()
	if self.destroyed {
		self.mutex.Unlock()
		return
	}
	self.seq += 1
	op := memOp{
		Actor: self.actor,
		Seq:   self.seq,
		Key:   key,
		Value: value,
		Ts:    time.Now().UnixMilli(),
	}
	self.integrate(op)
	self.mutex.Unlock()

	update, _ := json.Marshal([]memOp{op})
	self.emitUpdate(update, OriginLocal)
}

// Get returns the winning value for the key
func (self *MemDoc) Get(key string) (string, bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	winner, ok := self.winner(key)
	if !ok {
		return "", false
	}
	return winner.Value, true
}

// Snapshot returns the winning value of every key
func (self *MemDoc) Snapshot() map[string]string {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	keys := map[string]bool{}
	for _, actorOps := range self.ops {
		for _, op := range actorOps {
			keys[op.Key] = true
		}
	}
	snapshot := map[string]string{}
	for key := range keys {
		if winner, ok := self.winner(key); ok {
			snapshot[key] = winner.Value
		}
	}
	return snapshot
}

// must be called with `mutex`
func (self *MemDoc) winner(key string) (memOp, bool) {
	var winner memOp
	found := false
	for _, actorOps := range self.ops {
		for _, op := range actorOps {
			if op.Key != key {
				continue
			}
			if !found || opLess(winner, op) {
				winner = op
				found = true
			}
		}
	}
	return winner, found
}

// ordered by (ts, actor, seq) so the winner is deterministic across replicas
func opLess(a memOp, b memOp) bool {
	if a.Ts != b.Ts {
		return a.Ts < b.Ts
	}
	if c := cmp.Compare(a.Actor.String(), b.Actor.String()); c != 0 {
		return c < 0
	}
	return a.Seq < b.Seq
}

// must be called with `mutex`. returns whether the op was new
func (self *MemDoc) integrate(op memOp) bool {
	actorOps, ok := self.ops[op.Actor]
	if !ok {
		actorOps = map[uint64]memOp{}
		self.ops[op.Actor] = actorOps
	}
	if _, ok := actorOps[op.Seq]; ok {
		return false
	}
	actorOps[op.Seq] = op
	if self.maxSeqs[op.Actor] < op.Seq {
		self.maxSeqs[op.Actor] = op.Seq
	}
	return true
}

func (self *MemDoc) EncodeStateVector() ([]byte, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	stateVector := map[string]uint64{}
	for actor, maxSeq := range self.maxSeqs {
		stateVector[actor.String()] = maxSeq
	}
	return json.Marshal(stateVector)
}

func (self *MemDoc) EncodeStateAsUpdate(stateVector []byte) ([]byte, error) {
	remote := map[string]uint64{}
	if stateVector != nil {
		if err := json.Unmarshal(stateVector, &remote); err != nil {
			return nil, fmt.Errorf("decode state vector: %w", err)
		}
	}

	self.mutex.Lock()
	missing := []memOp{}
	for actor, actorOps := range self.ops {
		remoteSeq := remote[actor.String()]
		for seq, op := range actorOps {
			if remoteSeq < seq {
				missing = append(missing, op)
			}
		}
	}
	self.mutex.Unlock()

	sortOps(missing)
	return json.Marshal(missing)
}

func (self *MemDoc) ApplyUpdate(update []byte, origin Origin) error {
	var ops []memOp
	if err := json.Unmarshal(update, &ops); err != nil {
		return fmt.Errorf("decode update: %w", err)
	}

	self.mutex.Lock()
	applied := []memOp{}
	for _, op := range ops {
		if self.integrate(op) {
			applied = append(applied, op)
		}
	}
	self.mutex.Unlock()

	if len(applied) == 0 {
		// nothing new, nothing to observe
		return nil
	}
	appliedUpdate, err := json.Marshal(applied)
	if err != nil {
		return err
	}
	self.emitUpdate(appliedUpdate, origin)
	return nil
}

func (self *MemDoc) MergeUpdates(updates [][]byte) ([]byte, error) {
	seen := map[Id]map[uint64]bool{}
	merged := []memOp{}
	for _, update := range updates {
		var ops []memOp
		if err := json.Unmarshal(update, &ops); err != nil {
			return nil, fmt.Errorf("decode update: %w", err)
		}
		for _, op := range ops {
			if seen[op.Actor] == nil {
				seen[op.Actor] = map[uint64]bool{}
			}
			if seen[op.Actor][op.Seq] {
				continue
			}
			seen[op.Actor][op.Seq] = true
			merged = append(merged, op)
		}
	}
	sortOps(merged)
	return json.Marshal(merged)
}

func sortOps(ops []memOp) {
	slices.SortFunc(ops, func(a memOp, b memOp) int {
		if opLess(a, b) {
			return -1
		}
		if opLess(b, a) {
			return 1
		}
		return 0
	})
}

func (self *MemDoc) AddUpdateCallback(callback UpdateFunction) func() {
	callbackId := self.updateCallbacks.Add(callback)
	return func() {
		self.updateCallbacks.Remove(callbackId)
	}
}

func (self *MemDoc) AddDestroyCallback(callback func()) func() {
	callbackId := self.destroyCallbacks.Add(callback)
	return func() {
		self.destroyCallbacks.Remove(callbackId)
	}
}

func (self *MemDoc) emitUpdate(update []byte, origin Origin) {
	for _, callback := range self.updateCallbacks.Get() {
		protectCallback(func() {
			callback(update, origin)
		})
	}
}

// Destroy signals teardown to observers. Further writes are ignored.
func (self *MemDoc) Destroy() {
	self.mutex.Lock()
	if self.destroyed {
		self.mutex.Unlock()
		return
	}
	self.destroyed = true
	self.mutex.Unlock()

	for _, callback := range self.destroyCallbacks.Get() {
		protectCallback(func() {
			callback()
		})
	}
}
