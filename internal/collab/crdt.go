// Package collab implements per-session collaboration: the viewer
// registry, awareness relay, and convergent per-buffer text documents
// synchronized by a two-step protocol plus incremental updates.
package collab

import (
	"fmt"
	"sort"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

// ItemID identifies one operation (and, for inserts, the element it
// creates). Clocks are contiguous per replica starting at 1; the zero
// ID is the document root sentinel.
type ItemID struct {
	Replica uint64 `msgpack:"r"`
	Clock   uint64 `msgpack:"c"`
}

func (id ItemID) isRoot() bool { return id.Replica == 0 && id.Clock == 0 }

// less orders sibling elements: higher (clock, replica) sorts first,
// giving every replica the same placement for concurrent inserts.
func (id ItemID) less(other ItemID) bool {
	if id.Clock != other.Clock {
		return id.Clock > other.Clock
	}
	return id.Replica > other.Replica
}

// Op kinds.
const (
	opInsert = "i"
	opDelete = "d"
)

// Op is one replicated operation.
type Op struct {
	Kind   string `msgpack:"k"`
	ID     ItemID `msgpack:"id"`
	Origin ItemID `msgpack:"o,omitempty"` // insert: element to the left
	Ch     string `msgpack:"ch,omitempty"`
	Target ItemID `msgpack:"t,omitempty"` // delete: element to remove
}

// update is the wire form of a transaction.
type update struct {
	Ops []Op `msgpack:"ops"`
}

type item struct {
	id       ItemID
	ch       rune
	deleted  bool
	children []*item // sorted by ItemID.less (newest first)
}

// Doc is a convergent text document for a single editor buffer.
// Concurrent application of any update set in any order yields
// byte-identical content on every replica; re-applying a seen update
// is a no-op.
type Doc struct {
	bufferID uint64
	replica  uint64
	version  uint64

	root    *item
	items   map[ItemID]*item
	applied map[uint64]uint64 // replica → highest contiguous clock
	logs    map[uint64][]Op   // replica → ops in clock order
	parked  []Op              // ops waiting for prerequisites
}

// NewDoc creates an empty document. replica must be unique among the
// peers editing this buffer and non-zero.
func NewDoc(bufferID, replica uint64) *Doc {
	if replica == 0 {
		replica = 1
	}
	root := &item{}
	return &Doc{
		bufferID: bufferID,
		replica:  replica,
		root:     root,
		items:    map[ItemID]*item{{}: root},
		applied:  make(map[uint64]uint64),
		logs:     make(map[uint64][]Op),
	}
}

// BufferID returns the buffer this document mirrors.
func (d *Doc) BufferID() uint64 { return d.bufferID }

// Version returns the local transaction counter.
func (d *Doc) Version() uint64 { return d.version }

// ── Traversal ────────────────────────────────────────────────────────

func (d *Doc) walk(fn func(*item)) {
	var dfs func(*item)
	dfs = func(it *item) {
		if it != d.root {
			fn(it)
		}
		for _, child := range it.children {
			dfs(child)
		}
	}
	dfs(d.root)
}

// visible returns the live elements in document order.
func (d *Doc) visible() []*item {
	var out []*item
	d.walk(func(it *item) {
		if !it.deleted {
			out = append(out, it)
		}
	})
	return out
}

// Content returns the document text.
func (d *Doc) Content() string {
	var b strings.Builder
	d.walk(func(it *item) {
		if !it.deleted {
			b.WriteRune(it.ch)
		}
	})
	return b.String()
}

// Lines splits the content the way the editor reports buffer lines.
func (d *Doc) Lines() []string {
	content := d.Content()
	if content == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(content, "\n"), "\n")
}

// ── Local transactions ───────────────────────────────────────────────

func (d *Doc) nextID() ItemID {
	d.applied[d.replica]++
	return ItemID{Replica: d.replica, Clock: d.applied[d.replica]}
}

// insertAfter generates and applies a local insert op.
func (d *Doc) insertAfter(origin ItemID, ch rune) Op {
	op := Op{Kind: opInsert, ID: d.nextID(), Origin: origin, Ch: string(ch)}
	d.integrate(op)
	d.logs[d.replica] = append(d.logs[d.replica], op)
	return op
}

// deleteItem generates and applies a local delete op.
func (d *Doc) deleteItem(target ItemID) Op {
	op := Op{Kind: opDelete, ID: d.nextID(), Target: target}
	d.integrate(op)
	d.logs[d.replica] = append(d.logs[d.replica], op)
	return op
}

// spliceLocal replaces the visible rune range [start, end) with text
// and returns the transaction's ops.
func (d *Doc) spliceLocal(start, end int, text string) []Op {
	vis := d.visible()
	if start < 0 {
		start = 0
	}
	if end > len(vis) {
		end = len(vis)
	}
	var ops []Op
	for i := start; i < end; i++ {
		ops = append(ops, d.deleteItem(vis[i].id))
	}
	origin := ItemID{}
	if start > 0 {
		origin = vis[start-1].id
	}
	for _, ch := range text {
		op := d.insertAfter(origin, ch)
		ops = append(ops, op)
		origin = op.ID
	}
	return ops
}

// SetContent replaces the whole document in one transaction and
// returns the encoded update.
func (d *Doc) SetContent(content string) []byte {
	ops := d.spliceLocal(0, len(d.visible()), content)
	d.version++
	return encodeUpdate(ops)
}

// ApplyDelta applies a line-range replacement reported by the editor
// (start inclusive, end exclusive, both 0-based) and returns the
// encoded update for broadcast.
func (d *Doc) ApplyDelta(startLine, endLine uint32, newLines []string) []byte {
	content := d.Content()
	startOff, endOff := lineRangeToOffsets(content, startLine, endLine)

	text := strings.Join(newLines, "\n")
	// Keep following lines separated unless the replaced range ran to
	// the end of the document.
	if len(newLines) > 0 && endOff < len([]rune(content)) {
		text += "\n"
	}
	ops := d.spliceLocal(startOff, endOff, text)
	d.version++
	return encodeUpdate(ops)
}

// lineRangeToOffsets converts a line range to rune offsets; the end
// offset includes the trailing newline of the last replaced line.
func lineRangeToOffsets(content string, startLine, endLine uint32) (int, int) {
	runes := []rune(content)
	startOff := 0
	endOff := len(runes)
	line := uint32(0)
	for i, ch := range runes {
		if line == startLine && startOff == 0 && startLine != 0 {
			startOff = i
		}
		if ch == '\n' {
			line++
			if line == startLine && startOff == 0 {
				startOff = i + 1
			}
			if line == endLine {
				endOff = i + 1
				break
			}
		}
	}
	if startLine == 0 {
		startOff = 0
	}
	if endLine == 0 {
		endOff = 0
	}
	if startOff > endOff {
		startOff = endOff
	}
	return startOff, endOff
}

// ── Integration ──────────────────────────────────────────────────────

// integrate applies one op whose prerequisites are present. Must only
// be called via apply/local paths that checked them.
func (d *Doc) integrate(op Op) {
	switch op.Kind {
	case opInsert:
		parent := d.items[op.Origin]
		it := &item{id: op.ID}
		for _, r := range op.Ch {
			it.ch = r
			break
		}
		idx := sort.Search(len(parent.children), func(i int) bool {
			return op.ID.less(parent.children[i].id)
		})
		parent.children = append(parent.children, nil)
		copy(parent.children[idx+1:], parent.children[idx:])
		parent.children[idx] = it
		d.items[op.ID] = it
	case opDelete:
		if it := d.items[op.Target]; it != nil {
			it.deleted = true
		}
	}
}

// ready reports whether op can integrate now: its clock must be the
// next for its replica and its referenced elements present.
func (d *Doc) ready(op Op) bool {
	if op.ID.Clock != d.applied[op.ID.Replica]+1 {
		return false
	}
	switch op.Kind {
	case opInsert:
		_, ok := d.items[op.Origin]
		return ok
	case opDelete:
		_, ok := d.items[op.Target]
		return ok
	}
	return false
}

// applyOp integrates a remote op, parking it when prerequisites are
// missing. Already-seen ops are skipped.
func (d *Doc) applyOp(op Op) {
	if op.ID.Clock <= d.applied[op.ID.Replica] {
		return // duplicate
	}
	if !d.ready(op) {
		d.parked = append(d.parked, op)
		return
	}
	d.integrate(op)
	d.applied[op.ID.Replica] = op.ID.Clock
	d.logs[op.ID.Replica] = append(d.logs[op.ID.Replica], op)
	d.drainParked()
}

func (d *Doc) drainParked() {
	progress := true
	for progress && len(d.parked) > 0 {
		progress = false
		remaining := d.parked[:0]
		for _, op := range d.parked {
			if op.ID.Clock <= d.applied[op.ID.Replica] {
				progress = true
				continue
			}
			if d.ready(op) {
				d.integrate(op)
				d.applied[op.ID.Replica] = op.ID.Clock
				d.logs[op.ID.Replica] = append(d.logs[op.ID.Replica], op)
				progress = true
			} else {
				remaining = append(remaining, op)
			}
		}
		d.parked = append([]Op(nil), remaining...)
	}
}

// ApplyUpdate integrates a remote update. Applying an update twice is
// a no-op.
func (d *Doc) ApplyUpdate(data []byte) error {
	var u update
	if err := msgpack.Unmarshal(data, &u); err != nil {
		return fmt.Errorf("decode update: %w", err)
	}
	for _, op := range u.Ops {
		d.applyOp(op)
	}
	d.version++
	return nil
}

// ── Sync state ───────────────────────────────────────────────────────

// StateVector exports replica → highest applied clock.
func (d *Doc) StateVector() []byte {
	sv := make(map[uint64]uint64, len(d.applied))
	for r, c := range d.applied {
		if c > 0 {
			sv[r] = c
		}
	}
	data, _ := msgpack.Marshal(sv)
	return data
}

// EncodeDiff returns an update containing every op the holder of
// stateVector has not seen.
func (d *Doc) EncodeDiff(stateVector []byte) ([]byte, error) {
	var sv map[uint64]uint64
	if len(stateVector) > 0 {
		if err := msgpack.Unmarshal(stateVector, &sv); err != nil {
			return nil, fmt.Errorf("decode state vector: %w", err)
		}
	}
	var ops []Op
	for _, replica := range d.sortedReplicas() {
		have := sv[replica]
		for _, op := range d.logs[replica] {
			if op.ID.Clock > have {
				ops = append(ops, op)
			}
		}
	}
	return encodeUpdate(ops), nil
}

// EncodeState exports the full document as one update.
func (d *Doc) EncodeState() []byte {
	var ops []Op
	for _, replica := range d.sortedReplicas() {
		ops = append(ops, d.logs[replica]...)
	}
	return encodeUpdate(ops)
}

func (d *Doc) sortedReplicas() []uint64 {
	replicas := make([]uint64, 0, len(d.logs))
	for r := range d.logs {
		replicas = append(replicas, r)
	}
	sort.Slice(replicas, func(i, j int) bool { return replicas[i] < replicas[j] })
	return replicas
}

func encodeUpdate(ops []Op) []byte {
	data, _ := msgpack.Marshal(update{Ops: ops})
	return data
}
