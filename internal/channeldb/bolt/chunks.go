package bolt

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	bbolt "go.etcd.io/bbolt"

	"github.com/tokenmeter/paychand/internal/channeldb"
	"github.com/tokenmeter/paychand/internal/errs"
)

// chunkOrderKey sorts a channel's chunks by (created_at, id), the
// ordering spec.md §4.3 requires for signature verification and
// cumulative-payment enumeration.
func chunkOrderKey(channelID string, createdAt time.Time, id int64) []byte {
	key := []byte(channelID)
	key = append(key, 0) // separator, channel ids never contain NUL
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(createdAt.UnixNano()))
	key = append(key, ts[:]...)
	key = append(key, be8(id)...)
	return key
}

func userSessionKey(userID int64, sessionID, chunkID string) []byte {
	key := be8(userID)
	key = append(key, 0)
	key = append(key, []byte(sessionID)...)
	key = append(key, 0)
	key = append(key, []byte(chunkID)...)
	return key
}

// channelTx is the WithChannelLock callback view: it reads/writes
// directly against the already-open bolt transaction, so the critical
// section guarded by the KeyedMutex stays a single bolt.Update call.
type channelTx struct {
	tx  *bbolt.Tx
	ch  *channeldb.PaymentChannel
}

func (c *channelTx) Channel() *channeldb.PaymentChannel { return c.ch }

func (c *channelTx) InsertUnpaidChunk(ctx context.Context, cp *channeldb.ChunkPayment) error {
	const op = "bolt.channelTx.InsertUnpaidChunk"

	chunks := c.tx.Bucket(chunksBucket)
	if chunks.Get([]byte(cp.ChunkID)) != nil {
		return errs.New(op, errs.StateConflict, fmt.Errorf("chunk_id %q already exists", cp.ChunkID))
	}

	seq, _ := chunks.NextSequence()
	cp.ID = int64(seq)
	cp.CreatedAt = time.Now().UTC()

	if err := putJSON(chunks, []byte(cp.ChunkID), cp); err != nil {
		return errs.New(op, errs.Internal, err)
	}
	if err := c.tx.Bucket(chunksByChannelIdx).Put(
		chunkOrderKey(cp.ChannelID, cp.CreatedAt, cp.ID), []byte(cp.ChunkID)); err != nil {
		return errs.New(op, errs.Internal, err)
	}
	if err := c.tx.Bucket(chunksByUserSessionIdx).Put(
		userSessionKey(cp.UserID, cp.SessionID, cp.ChunkID), nil); err != nil {
		return errs.New(op, errs.Internal, err)
	}
	return nil
}

func (c *channelTx) ChunkByChunkID(ctx context.Context, chunkID string) (*channeldb.ChunkPayment, error) {
	const op = "bolt.channelTx.ChunkByChunkID"

	cp := &channeldb.ChunkPayment{}
	found, err := getJSON(c.tx.Bucket(chunksBucket), []byte(chunkID), cp)
	if err != nil {
		return nil, errs.New(op, errs.Internal, err)
	}
	if !found {
		return nil, errs.New(op, errs.NotFound, fmt.Errorf("no such chunk %q", chunkID))
	}
	return cp, nil
}

func (c *channelTx) LatestReservedChunk(ctx context.Context) (*channeldb.ChunkPayment, error) {
	const op = "bolt.channelTx.LatestReservedChunk"

	idx := c.tx.Bucket(chunksByChannelIdx)
	prefix := append([]byte(c.ch.ChannelID), 0)

	cur := idx.Cursor()
	var lastChunkID []byte
	for k, v := cur.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = cur.Next() {
		lastChunkID = v
	}
	if lastChunkID == nil {
		return nil, errs.New(op, errs.NotFound, fmt.Errorf("channel %q has no chunks", c.ch.ChannelID))
	}

	cp := &channeldb.ChunkPayment{}
	found, err := getJSON(c.tx.Bucket(chunksBucket), lastChunkID, cp)
	if err != nil {
		return nil, errs.New(op, errs.Internal, err)
	}
	if !found {
		return nil, errs.New(op, errs.Internal, fmt.Errorf("dangling chunk index entry"))
	}
	return cp, nil
}

// MarkChunkPaid flips the chunk to paid and bumps the channel's
// consumed_tokens in the same bolt transaction, so a crash between the
// two can never leave a paid chunk uncounted or counted twice.
func (c *channelTx) MarkChunkPaid(ctx context.Context, chunkID string, txData, sig []byte, paidAt time.Time) error {
	const op = "bolt.channelTx.MarkChunkPaid"

	chunks := c.tx.Bucket(chunksBucket)
	cp := &channeldb.ChunkPayment{}
	found, err := getJSON(chunks, []byte(chunkID), cp)
	if err != nil {
		return errs.New(op, errs.Internal, err)
	}
	if !found {
		return errs.New(op, errs.NotFound, fmt.Errorf("no such chunk %q", chunkID))
	}
	if cp.IsPaid {
		return errs.New(op, errs.StateConflict, fmt.Errorf("chunk %q already paid", chunkID))
	}

	newConsumed := c.ch.ConsumedTokens + cp.TokensCount
	if newConsumed > c.ch.AmountInTokens() {
		return errs.New(op, errs.Insufficient,
			fmt.Errorf("consumed_tokens %d would exceed capacity %d", newConsumed, c.ch.AmountInTokens()))
	}

	cp.IsPaid = true
	t := paidAt.UTC()
	cp.PaidAt = &t
	cp.TransactionData = txData
	copy(cp.BuyerSignature[:], sig)

	if err := errs.WrapInternal(op, putJSON(chunks, []byte(chunkID), cp)); err != nil {
		return err
	}

	c.ch.ConsumedTokens = newConsumed
	c.ch.UpdatedAt = time.Now().UTC()
	return errs.WrapInternal(op, putJSON(c.tx.Bucket(channelsBucket), []byte(c.ch.ChannelID), c.ch))
}

// WithChannelLock implements channeldb.Store: it serialises on the
// channel's KeyedMutex lock, then runs fn inside a single bolt
// transaction that sees the channel row and lets fn mutate chunk rows
// directly — the minimal critical section spec.md §5 calls for.
func (d *DB) WithChannelLock(ctx context.Context, channelID string,
	fn func(ctx context.Context, tx channeldb.ChannelTx) error) error {

	const op = "bolt.WithChannelLock"

	d.locks.Lock(channelID)
	defer d.locks.Unlock(channelID)

	err := d.Update(func(tx *bbolt.Tx) error {
		ch := &channeldb.PaymentChannel{}
		found, err := getJSON(tx.Bucket(channelsBucket), []byte(channelID), ch)
		if err != nil {
			return err
		}
		if !found {
			return errs.New(op, errs.NotFound, fmt.Errorf("no such channel %q", channelID))
		}
		return fn(ctx, &channelTx{tx: tx, ch: ch})
	})
	if e, ok := err.(*errs.E); ok {
		return e
	}
	if err != nil {
		return errs.New(op, errs.Internal, err)
	}
	return nil
}

func (d *DB) ChunkByChunkID(ctx context.Context, chunkID string) (*channeldb.ChunkPayment, error) {
	const op = "bolt.ChunkByChunkID"

	cp := &channeldb.ChunkPayment{}
	err := d.View(func(tx *bbolt.Tx) error {
		found, err := getJSON(tx.Bucket(chunksBucket), []byte(chunkID), cp)
		if err != nil {
			return err
		}
		if !found {
			return errs.New(op, errs.NotFound, fmt.Errorf("no such chunk %q", chunkID))
		}
		return nil
	})
	if e, ok := err.(*errs.E); ok {
		return nil, e
	}
	if err != nil {
		return nil, errs.New(op, errs.Internal, err)
	}
	return cp, nil
}

func (d *DB) LatestChunk(ctx context.Context, channelID string) (*channeldb.ChunkPayment, error) {
	const op = "bolt.LatestChunk"

	var out *channeldb.ChunkPayment
	err := d.View(func(tx *bbolt.Tx) error {
		idx := tx.Bucket(chunksByChannelIdx)
		prefix := append([]byte(channelID), 0)

		c := idx.Cursor()
		var lastChunkID []byte
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			lastChunkID = v
		}
		if lastChunkID == nil {
			return errs.New(op, errs.NotFound, fmt.Errorf("channel %q has no chunks", channelID))
		}

		cp := &channeldb.ChunkPayment{}
		found, err := getJSON(tx.Bucket(chunksBucket), lastChunkID, cp)
		if err != nil {
			return err
		}
		if !found {
			return errs.New(op, errs.Internal, fmt.Errorf("dangling chunk index entry"))
		}
		out = cp
		return nil
	})
	if e, ok := err.(*errs.E); ok {
		return nil, e
	}
	if err != nil {
		return nil, errs.New(op, errs.Internal, err)
	}
	return out, nil
}

func (d *DB) PaidChunksOrdered(ctx context.Context, channelID string) ([]*channeldb.ChunkPayment, error) {
	const op = "bolt.PaidChunksOrdered"

	var out []*channeldb.ChunkPayment
	err := d.View(func(tx *bbolt.Tx) error {
		idx := tx.Bucket(chunksByChannelIdx)
		chunks := tx.Bucket(chunksBucket)
		prefix := append([]byte(channelID), 0)

		c := idx.Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			cp := &channeldb.ChunkPayment{}
			found, err := getJSON(chunks, v, cp)
			if err != nil {
				return err
			}
			if found && cp.IsPaid {
				out = append(out, cp)
			}
		}
		return nil
	})
	if err != nil {
		return nil, errs.New(op, errs.Internal, err)
	}
	return out, nil
}

func (d *DB) SessionUnpaid(ctx context.Context, userID int64) (channeldb.SessionUnpaidSummary, error) {
	const op = "bolt.SessionUnpaid"

	var out channeldb.SessionUnpaidSummary
	err := d.View(func(tx *bbolt.Tx) error {
		idx := tx.Bucket(chunksByUserSessionIdx)
		chunks := tx.Bucket(chunksBucket)
		prefix := be8(userID)

		c := idx.Cursor()
		for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
			// key = userID(8) 0 sessionID 0 chunkID
			rest := k[9:]
			sep := indexByte(rest, 0)
			if sep < 0 {
				continue
			}
			chunkID := rest[sep+1:]

			cp := &channeldb.ChunkPayment{}
			found, err := getJSON(chunks, chunkID, cp)
			if err != nil {
				return err
			}
			if found && !cp.IsPaid {
				out.Count++
				out.Tokens += cp.TokensCount
			}
		}
		return nil
	})
	if err != nil {
		return out, errs.New(op, errs.Internal, err)
	}
	return out, nil
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}

func indexByte(b []byte, c byte) int {
	for i, x := range b {
		if x == c {
			return i
		}
	}
	return -1
}

// --- Task log ----------------------------------------------------------

func (d *DB) StartTaskLog(ctx context.Context, taskName, taskType string, startedAt time.Time) (int64, error) {
	const op = "bolt.StartTaskLog"

	var id int64
	err := d.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(taskLogsBucket)
		seq, _ := b.NextSequence()
		id = int64(seq)
		return putJSON(b, be8(id), &channeldb.ScheduledTaskLog{
			ID:              id,
			TaskName:        taskName,
			TaskType:        taskType,
			ExecutionStatus: channeldb.TaskRunning,
			StartedAt:       startedAt,
			CreatedAt:       time.Now().UTC(),
		})
	})
	if err != nil {
		return 0, errs.New(op, errs.Internal, err)
	}
	return id, nil
}

func (d *DB) CompleteTaskLog(ctx context.Context, id int64, status channeldb.ExecutionStatus,
	completedAt time.Time, durationMs int64, resultData []byte, errMsg string, settled, checked int) error {

	const op = "bolt.CompleteTaskLog"

	err := d.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(taskLogsBucket)
		log := &channeldb.ScheduledTaskLog{}
		found, err := getJSON(b, be8(id), log)
		if err != nil {
			return err
		}
		if !found {
			return errs.New(op, errs.NotFound, fmt.Errorf("no such task log %d", id))
		}
		t := completedAt.UTC()
		log.ExecutionStatus = status
		log.CompletedAt = &t
		log.DurationMs = durationMs
		log.ResultData = resultData
		log.ErrorMessage = errMsg
		log.SettledCount = settled
		log.CheckedCount = checked
		return putJSON(b, be8(id), log)
	})
	if e, ok := err.(*errs.E); ok {
		return e
	}
	if err != nil {
		return errs.New(op, errs.Internal, err)
	}
	return nil
}
