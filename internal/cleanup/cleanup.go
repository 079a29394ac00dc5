// Package cleanup implements the ingest engine: it turns a client's record
// stream into a committed queue file under the incoming class, or unwinds
// cleanly on any fatal condition before the terminal records are written.
package cleanup

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"coihue.dev/go/correo/internal/mtaerr"
	"coihue.dev/go/correo/internal/qstore"
	"coihue.dev/go/correo/internal/record"
)

// sizeFieldWidth is the fixed width of the size placeholder that gets
// back-patched at commit; 20 ASCII digits covers any message size a 64-bit
// length could express, and a fixed width means the patch never moves a
// record boundary.
const sizeFieldWidth = 20

// NotifyMask is the DSN-notify bitmask carried per recipient.
type NotifyMask uint8

const (
	NotifyNever   NotifyMask = 0
	NotifySuccess NotifyMask = 1 << (iota - 1)
	NotifyFailure
	NotifyDelay
)

// Recipient is one entry on a queue entry's recipient list.
type Recipient struct {
	Address  string
	Original string // empty if same as Address
	Notify   NotifyMask
	ORCPT    string

	// Offset is the queue file byte offset of this recipient's record
	// (its type byte), filled in once the record has been written. A
	// delivery agent overwrites that byte with TypeDeletedRecipient to
	// mark the recipient done, in place and idempotently.
	Offset int64
}

// Expander performs automatic BCC and alias expansion on a recipient
// before it is committed. The engine depends only on this interface;
// concrete backends are pluggable.
type Expander interface {
	Expand(Recipient) ([]Recipient, error)
}

// HeaderRewriter rewrites or masquerades a single header line before it is
// committed to the queue file.
type HeaderRewriter interface {
	RewriteHeader(line []byte) []byte
}

// Limits bounds what a single ingest transaction will accept.
type Limits struct {
	HeaderSize int   // bytes, total header section
	HopCount   int   // max Received: lines before rejecting
	Recipients int   // max recipients per message
	MaxSize    int64 // bytes of content (each line plus one terminator); envelope records are not counted
}

// Engine assembles queue files from ingest transactions.
type Engine struct {
	Store    *qstore.Store
	Limits   Limits
	Expander Expander
	Rewriter HeaderRewriter
}

// NewEngine returns an Engine writing into store, enforcing limits.
func NewEngine(store *qstore.Store, limits Limits) *Engine {
	return &Engine{Store: store, Limits: limits}
}

// Transaction is one in-progress ingest: the envelope and content records
// received so far for a single message, not yet visible in any queue
// class.
type Transaction struct {
	eng    *Engine
	handle *qstore.Handle
	w      *record.Writer

	sender     string
	recipients []Recipient
	size       int64
	sizeOffset int64

	inHeader     bool
	headerBytes  int
	hopCount     int
	contentBegun bool

	// err is the first fatal condition encountered; once set, every
	// subsequent call is a no-op that returns it again.
	err error
}

// Begin opens a new ingest transaction for sender, writing the arrival
// time and return-path envelope records. The null reverse-path is
// represented by an empty sender string.
func (e *Engine) Begin(sender string) (*Transaction, error) {
	h, err := e.Store.CreatePending(qstore.Incoming)
	if err != nil {
		return nil, mtaerr.Wrap(mtaerr.Resource, 0, "4.3.0", err, "cleanup: opening queue file")
	}

	t := &Transaction{
		eng:      e,
		handle:   h,
		w:        record.NewWriter(h),
		sender:   sender,
		inHeader: true,
	}

	if err := t.reserveSize(); err != nil {
		h.Abandon()
		return nil, err
	}
	if err := t.w.Put(record.TypeArrivalTime, []byte(strconv.FormatInt(time.Now().Unix(), 10))); err != nil {
		h.Abandon()
		return nil, mtaerr.Wrap(mtaerr.Resource, 0, "4.3.0", err, "cleanup: writing arrival time")
	}
	if err := t.w.Put(record.TypeReturnPath, []byte(sender)); err != nil {
		h.Abandon()
		return nil, mtaerr.Wrap(mtaerr.Resource, 0, "4.3.0", err, "cleanup: writing return path")
	}

	return t, nil
}

// reserveSize writes the back-patched size placeholder and records its
// payload offset for Commit to rewrite later.
func (t *Transaction) reserveSize() error {
	if err := t.w.Flush(); err != nil {
		return mtaerr.Wrap(mtaerr.Resource, 0, "4.3.0", err, "cleanup: flush before size record")
	}
	pos, err := t.handle.Seek(0, io.SeekCurrent)
	if err != nil {
		return mtaerr.Wrap(mtaerr.Resource, 0, "4.3.0", err, "cleanup: seek")
	}
	// 1 byte type + 1 byte varint length (sizeFieldWidth < 128).
	t.sizeOffset = pos + 2

	placeholder := strings.Repeat("0", sizeFieldWidth)
	return t.w.Put(record.TypeSize, []byte(placeholder))
}

// ID returns the transaction's queue id, stable from the moment Begin
// returns.
func (t *Transaction) ID() string { return t.handle.ID }

// fail records err as the transaction's sticky fatal condition, if one
// isn't already set, and returns it.
func (t *Transaction) fail(err error) error {
	if t.err == nil {
		t.err = err
	}
	return t.err
}

// AddRecipient appends a recipient, running it through the engine's
// Expander first if one is configured, and enforces the per-message
// recipient ceiling.
func (t *Transaction) AddRecipient(r Recipient) error {
	if t.err != nil {
		return t.err
	}

	rcpts := []Recipient{r}
	if t.eng.Expander != nil {
		expanded, err := t.eng.Expander.Expand(r)
		if err != nil {
			return t.fail(mtaerr.Wrap(mtaerr.Permanent, 550, "5.1.1", err, "alias expansion failed"))
		}
		rcpts = expanded
	}

	for _, rc := range rcpts {
		if len(t.recipients) >= t.eng.Limits.Recipients {
			return t.fail(mtaerr.New(mtaerr.Permanent, 452, "4.5.3", "too many recipients"))
		}
		if err := t.writeRecipient(&rc); err != nil {
			return t.fail(err)
		}
		t.recipients = append(t.recipients, rc)
	}
	return nil
}

func (t *Transaction) writeRecipient(r *Recipient) error {
	if err := t.w.Flush(); err != nil {
		return mtaerr.Wrap(mtaerr.Resource, 0, "4.3.0", err, "cleanup: flush before recipient")
	}
	pos, err := t.handle.Seek(0, io.SeekCurrent)
	if err != nil {
		return mtaerr.Wrap(mtaerr.Resource, 0, "4.3.0", err, "cleanup: seek")
	}
	r.Offset = pos

	if err := t.w.Put(record.TypeRecipient, []byte(r.Address)); err != nil {
		return mtaerr.Wrap(mtaerr.Resource, 0, "4.3.0", err, "cleanup: writing recipient")
	}
	if r.Original != "" && r.Original != r.Address {
		if err := t.w.Put(record.TypeOriginalRecipient, []byte(r.Original)); err != nil {
			return mtaerr.Wrap(mtaerr.Resource, 0, "4.3.0", err, "cleanup: writing original recipient")
		}
	}
	if r.ORCPT != "" {
		if err := t.w.Put(record.TypeAttribute, []byte("orcpt="+r.ORCPT)); err != nil {
			return mtaerr.Wrap(mtaerr.Resource, 0, "4.3.0", err, "cleanup: writing orcpt")
		}
	}
	if err := t.w.Put(record.TypeAttribute, []byte(fmt.Sprintf("notify=%d", r.Notify))); err != nil {
		return mtaerr.Wrap(mtaerr.Resource, 0, "4.3.0", err, "cleanup: writing notify mask")
	}
	return nil
}

// PutAttribute writes a free-form envelope attribute record ("key=value").
// Attributes written before the first recipient apply to the whole entry
// (e.g. the DSN envelope id); written after a recipient, they refine that
// recipient.
func (t *Transaction) PutAttribute(key, value string) error {
	if t.err != nil {
		return t.err
	}
	if err := t.w.Put(record.TypeAttribute, []byte(key+"="+value)); err != nil {
		return t.fail(mtaerr.Wrap(mtaerr.Resource, 0, "4.3.0", err, "cleanup: writing attribute"))
	}
	return nil
}

// BeginContent writes the start-of-message marker. It must be called
// exactly once, after all recipients and before the first content line.
func (t *Transaction) BeginContent() error {
	if t.err != nil {
		return t.err
	}
	if len(t.recipients) == 0 {
		return t.fail(mtaerr.New(mtaerr.Permanent, 554, "5.5.1", "no valid recipients"))
	}
	if err := t.w.Put(record.TypeStartOfMessage, nil); err != nil {
		return t.fail(mtaerr.Wrap(mtaerr.Resource, 0, "4.3.0", err, "cleanup: writing start-of-message"))
	}
	t.contentBegun = true
	return nil
}

// WriteContentLine feeds one logical line of message content (header or
// body, without a trailing CRLF). The engine tracks the header/body
// boundary itself (the first blank line), enforces the header-size and
// hop-count ceilings while in the header section, and the total-size
// ceiling throughout.
func (t *Transaction) WriteContentLine(line []byte) error {
	if t.err != nil {
		return t.err
	}
	if !t.contentBegun {
		return t.fail(fmt.Errorf("cleanup: WriteContentLine called before BeginContent"))
	}

	t.size += int64(len(line)) + 1 // +1 for the line terminator we don't store literally.
	if t.size > t.eng.Limits.MaxSize {
		return t.fail(mtaerr.New(mtaerr.Permanent, 552, "5.3.4", "message size exceeds fixed limit"))
	}

	if t.inHeader {
		if len(line) == 0 {
			t.inHeader = false
		} else {
			t.headerBytes += len(line)
			if t.headerBytes > t.eng.Limits.HeaderSize {
				return t.fail(mtaerr.New(mtaerr.Permanent, 552, "5.3.4", "header section too large"))
			}
			if hasReceivedPrefix(line) {
				t.hopCount++
				if t.hopCount > t.eng.Limits.HopCount {
					return t.fail(mtaerr.New(mtaerr.Permanent, 554, "5.4.6", "too many hops"))
				}
			}
			if t.eng.Rewriter != nil {
				line = t.eng.Rewriter.RewriteHeader(line)
			}
			return t.putLine(record.TypeHeader, line)
		}
	}
	return t.putLine(record.TypeNormal, line)
}

func (t *Transaction) putLine(typ record.Type, line []byte) error {
	if err := record.PutLine(t.w, typ, line, record.DefaultLineWidth); err != nil {
		return t.fail(mtaerr.Wrap(mtaerr.Resource, 0, "4.3.0", err, "cleanup: writing content"))
	}
	return nil
}

func hasReceivedPrefix(line []byte) bool {
	return len(line) >= 9 && strings.EqualFold(string(line[:9]), "Received:")
}

// Commit writes the terminal records, back-patches the size field,
// fsyncs, and atomically publishes the file into the incoming class,
// returning its queue id. If the transaction already carries a sticky
// error, Commit instead aborts and returns that error: cleanup never
// commits a partially-valid message.
func (t *Transaction) Commit() (string, error) {
	if t.err != nil {
		t.handle.Abandon()
		return "", t.err
	}
	if t.sender == "" && len(t.recipients) == 0 {
		t.handle.Abandon()
		return "", mtaerr.New(mtaerr.Permanent, 503, "5.5.1", "empty envelope")
	}

	if err := t.w.Put(record.TypeEndOfMessage, nil); err != nil {
		t.handle.Abandon()
		return "", mtaerr.Wrap(mtaerr.Resource, 0, "4.3.0", err, "cleanup: writing end-of-message")
	}
	if err := t.w.Put(record.TypeEndOfFile, nil); err != nil {
		t.handle.Abandon()
		return "", mtaerr.Wrap(mtaerr.Resource, 0, "4.3.0", err, "cleanup: writing end-of-file")
	}
	if err := t.w.Flush(); err != nil {
		t.handle.Abandon()
		return "", mtaerr.Wrap(mtaerr.Resource, 0, "4.3.0", err, "cleanup: flush")
	}

	sizeStr := strconv.FormatInt(t.size, 10)
	padded := strings.Repeat("0", sizeFieldWidth-len(sizeStr)) + sizeStr
	if _, err := t.handle.WriteAt([]byte(padded), t.sizeOffset); err != nil {
		t.handle.Abandon()
		return "", mtaerr.Wrap(mtaerr.Resource, 0, "4.3.0", err, "cleanup: back-patching size")
	}

	if err := t.handle.Commit(); err != nil {
		t.handle.Abandon()
		return "", mtaerr.Wrap(mtaerr.Resource, 0, "4.3.0", err, "cleanup: commit")
	}
	t.handle.Close()

	return t.handle.ID, nil
}

// Abort unconditionally discards the transaction: the staging file is
// removed and never becomes visible under any queue class.
func (t *Transaction) Abort() error {
	return t.handle.Abandon()
}

// Recipients returns the recipients accepted so far, each carrying the
// file offset of its record for later in-place deletion.
func (t *Transaction) Recipients() []Recipient {
	return t.recipients
}
