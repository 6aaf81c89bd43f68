package bolt

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/exp/slices"

	bbolt "go.etcd.io/bbolt"

	"github.com/tokenmeter/paychand/internal/channeldb"
	"github.com/tokenmeter/paychand/internal/errs"
)

func be8(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

func beInt64(b []byte) int64 { return int64(binary.BigEndian.Uint64(b)) }

func putJSON(b *bbolt.Bucket, key []byte, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, raw)
}

func getJSON(b *bbolt.Bucket, key []byte, v interface{}) (bool, error) {
	raw := b.Get(key)
	if raw == nil {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, err
	}
	return true, nil
}

// --- Users ---------------------------------------------------------------

func (d *DB) CreateUser(ctx context.Context, username string, publicKey []byte) (*User, error) {
	return d.createUser(username, publicKey)
}

// User is a thin alias to avoid repeating the import path everywhere in
// this file; it's the same type as channeldb.User.
type User = channeldb.User

func (d *DB) createUser(username string, publicKey []byte) (*User, error) {
	const op = "bolt.CreateUser"

	var out *User
	err := d.Update(func(tx *bbolt.Tx) error {
		users := tx.Bucket(usersBucket)
		byKey := tx.Bucket(usersByPubKeyBucket)

		keyHex := hex.EncodeToString(publicKey)
		if byKey.Get([]byte(keyHex)) != nil {
			return errs.New(op, errs.StateConflict,
				fmt.Errorf("public key already registered"))
		}

		id, _ := users.NextSequence()
		now := time.Now().UTC()
		u := &User{
			ID:        int64(id),
			Username:  username,
			PublicKey: publicKey,
			IsActive:  true,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := putJSON(users, be8(u.ID), u); err != nil {
			return err
		}
		if err := byKey.Put([]byte(keyHex), be8(u.ID)); err != nil {
			return err
		}
		out = u
		return nil
	})
	if err != nil {
		if e, ok := err.(*errs.E); ok {
			return nil, e
		}
		return nil, errs.New(op, errs.Internal, err)
	}
	return out, nil
}

func (d *DB) UserByPublicKey(ctx context.Context, publicKey []byte) (*User, error) {
	const op = "bolt.UserByPublicKey"

	var out *User
	err := d.View(func(tx *bbolt.Tx) error {
		byKey := tx.Bucket(usersByPubKeyBucket)
		idRaw := byKey.Get([]byte(hex.EncodeToString(publicKey)))
		if idRaw == nil {
			return errs.New(op, errs.NotFound, fmt.Errorf("no such user"))
		}
		u := &User{}
		found, err := getJSON(tx.Bucket(usersBucket), idRaw, u)
		if err != nil {
			return err
		}
		if !found {
			return errs.New(op, errs.NotFound, fmt.Errorf("no such user"))
		}
		out = u
		return nil
	})
	if err != nil {
		if e, ok := err.(*errs.E); ok {
			return nil, e
		}
		return nil, errs.New(op, errs.Internal, err)
	}
	return out, nil
}

func (d *DB) UserByID(ctx context.Context, id int64) (*User, error) {
	const op = "bolt.UserByID"

	var out *User
	err := d.View(func(tx *bbolt.Tx) error {
		u := &User{}
		found, err := getJSON(tx.Bucket(usersBucket), be8(id), u)
		if err != nil {
			return err
		}
		if !found {
			return errs.New(op, errs.NotFound, fmt.Errorf("no such user"))
		}
		out = u
		return nil
	})
	if err != nil {
		if e, ok := err.(*errs.E); ok {
			return nil, e
		}
		return nil, errs.New(op, errs.Internal, err)
	}
	return out, nil
}

func (d *DB) SetUserActive(ctx context.Context, id int64, active bool) error {
	const op = "bolt.SetUserActive"

	err := d.Update(func(tx *bbolt.Tx) error {
		users := tx.Bucket(usersBucket)
		u := &User{}
		found, err := getJSON(users, be8(id), u)
		if err != nil {
			return err
		}
		if !found {
			return errs.New(op, errs.NotFound, fmt.Errorf("no such user"))
		}
		u.IsActive = active
		u.UpdatedAt = time.Now().UTC()
		return putJSON(users, be8(id), u)
	})
	if e, ok := err.(*errs.E); ok {
		return e
	}
	if err != nil {
		return errs.New(op, errs.Internal, err)
	}
	return nil
}

// --- Sessions --------------------------------------------------------------

func (d *DB) EnsureSession(ctx context.Context, sessionID string, userID int64) error {
	const op = "bolt.EnsureSession"

	err := d.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(sessionsBucket)
		if b.Get([]byte(sessionID)) != nil {
			return nil
		}
		return putJSON(b, []byte(sessionID), &channeldb.Session{
			ID: sessionID, UserID: userID, StartedAt: time.Now().UTC(),
		})
	})
	if err != nil {
		return errs.New(op, errs.Internal, err)
	}
	return nil
}

// --- Channels ----------------------------------------------------------

func channelStatusIndexKey(userID int64, status channeldb.ChannelStatus, channelID string) []byte {
	key := be8(userID)
	key = append(key, byte(status))
	key = append(key, []byte(channelID)...)
	return key
}

func (d *DB) CreateChannel(ctx context.Context, ch *channeldb.PaymentChannel) error {
	const op = "bolt.CreateChannel"

	err := d.Update(func(tx *bbolt.Tx) error {
		channels := tx.Bucket(channelsBucket)
		if channels.Get([]byte(ch.ChannelID)) != nil {
			return errs.New(op, errs.StateConflict,
				fmt.Errorf("channel_id %q already exists", ch.ChannelID))
		}

		seq, _ := channels.NextSequence()
		ch.ID = int64(seq)
		now := time.Now().UTC()
		ch.CreatedAt, ch.UpdatedAt = now, now

		if err := putJSON(channels, []byte(ch.ChannelID), ch); err != nil {
			return err
		}
		idx := tx.Bucket(channelsByUserStatusIdx)
		return idx.Put(channelStatusIndexKey(ch.UserID, ch.Status, ch.ChannelID), nil)
	})
	if e, ok := err.(*errs.E); ok {
		return e
	}
	if err != nil {
		return errs.New(op, errs.Internal, err)
	}
	return nil
}

func (d *DB) ChannelByChannelID(ctx context.Context, channelID string) (*channeldb.PaymentChannel, error) {
	const op = "bolt.ChannelByChannelID"

	var out *channeldb.PaymentChannel
	err := d.View(func(tx *bbolt.Tx) error {
		ch := &channeldb.PaymentChannel{}
		found, err := getJSON(tx.Bucket(channelsBucket), []byte(channelID), ch)
		if err != nil {
			return err
		}
		if !found {
			return errs.New(op, errs.NotFound, fmt.Errorf("no such channel %q", channelID))
		}
		out = ch
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

func (d *DB) DefaultChannel(ctx context.Context, userID int64) (*channeldb.PaymentChannel, error) {
	const op = "bolt.DefaultChannel"

	var out *channeldb.PaymentChannel
	err := d.View(func(tx *bbolt.Tx) error {
		channelID := tx.Bucket(channelsDefaultBucket).Get(be8(userID))
		if channelID == nil {
			return errs.New(op, errs.NotFound, fmt.Errorf("user %d has no default channel", userID))
		}
		ch := &channeldb.PaymentChannel{}
		found, err := getJSON(tx.Bucket(channelsBucket), channelID, ch)
		if err != nil {
			return err
		}
		if !found {
			return errs.New(op, errs.Internal, fmt.Errorf("dangling default channel pointer"))
		}
		out = ch
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

// reindexStatus deletes ch's old status index entry and inserts the new
// one; it must run inside the same transaction as the status mutation.
func reindexStatus(tx *bbolt.Tx, ch *channeldb.PaymentChannel, oldStatus channeldb.ChannelStatus) error {
	idx := tx.Bucket(channelsByUserStatusIdx)
	if err := idx.Delete(channelStatusIndexKey(ch.UserID, oldStatus, ch.ChannelID)); err != nil {
		return err
	}
	return idx.Put(channelStatusIndexKey(ch.UserID, ch.Status, ch.ChannelID), nil)
}

func (d *DB) ActivateChannel(ctx context.Context, channelID, txHash string, verifiedAt time.Time) error {
	const op = "bolt.ActivateChannel"

	err := d.Update(func(tx *bbolt.Tx) error {
		channels := tx.Bucket(channelsBucket)
		ch := &channeldb.PaymentChannel{}
		found, err := getJSON(channels, []byte(channelID), ch)
		if err != nil {
			return err
		}
		if !found {
			return errs.New(op, errs.NotFound, fmt.Errorf("no such channel"))
		}
		if ch.Status == channeldb.StatusActive && ch.TxHash == txHash {
			// Idempotent retry on tx_hash equality.
			return nil
		}
		if ch.Status != channeldb.StatusInactive {
			return errs.New(op, errs.StateConflict,
				fmt.Errorf("cannot activate channel in state %s", ch.Status))
		}

		old := ch.Status
		ch.Status = channeldb.StatusActive
		ch.TxHash = txHash
		v := verifiedAt.UTC()
		ch.VerifiedAt = &v
		ch.UpdatedAt = time.Now().UTC()

		if err := putJSON(channels, []byte(channelID), ch); err != nil {
			return err
		}
		if err := reindexStatus(tx, ch, old); err != nil {
			return err
		}

		defaults := tx.Bucket(channelsDefaultBucket)
		if defaults.Get(be8(ch.UserID)) == nil {
			ch.IsDefault = true
			if err := putJSON(channels, []byte(channelID), ch); err != nil {
				return err
			}
			if err := defaults.Put(be8(ch.UserID), []byte(channelID)); err != nil {
				return err
			}
		}
		return nil
	})
	if e, ok := err.(*errs.E); ok {
		return e
	}
	if err != nil {
		return errs.New(op, errs.Internal, err)
	}
	return nil
}

func (d *DB) InvalidateChannel(ctx context.Context, channelID string) error {
	const op = "bolt.InvalidateChannel"

	err := d.Update(func(tx *bbolt.Tx) error {
		channels := tx.Bucket(channelsBucket)
		ch := &channeldb.PaymentChannel{}
		found, err := getJSON(channels, []byte(channelID), ch)
		if err != nil {
			return err
		}
		if !found {
			return errs.New(op, errs.NotFound, fmt.Errorf("no such channel"))
		}
		if ch.Status == channeldb.StatusInvalid {
			return nil // idempotent
		}
		if ch.Status != channeldb.StatusInactive {
			return errs.New(op, errs.StateConflict,
				fmt.Errorf("cannot invalidate channel in state %s", ch.Status))
		}

		old := ch.Status
		ch.Status = channeldb.StatusInvalid
		ch.UpdatedAt = time.Now().UTC()
		if err := putJSON(channels, []byte(channelID), ch); err != nil {
			return err
		}
		return reindexStatus(tx, ch, old)
	})
	if e, ok := err.(*errs.E); ok {
		return e
	}
	if err != nil {
		return errs.New(op, errs.Internal, err)
	}
	return nil
}

func (d *DB) SetDefaultChannel(ctx context.Context, userID int64, channelID string) error {
	const op = "bolt.SetDefaultChannel"

	err := d.Update(func(tx *bbolt.Tx) error {
		channels := tx.Bucket(channelsBucket)
		target := &channeldb.PaymentChannel{}
		found, err := getJSON(channels, []byte(channelID), target)
		if err != nil {
			return err
		}
		if !found || target.UserID != userID {
			return errs.New(op, errs.NotFound, fmt.Errorf("no such channel for user"))
		}
		if target.Status != channeldb.StatusActive {
			return errs.New(op, errs.StateConflict,
				fmt.Errorf("only an ACTIVE channel may be default"))
		}

		defaults := tx.Bucket(channelsDefaultBucket)
		if prev := defaults.Get(be8(userID)); prev != nil && string(prev) != channelID {
			prevCh := &channeldb.PaymentChannel{}
			if found, err := getJSON(channels, prev, prevCh); err == nil && found {
				prevCh.IsDefault = false
				if err := putJSON(channels, prev, prevCh); err != nil {
					return err
				}
			}
		}

		target.IsDefault = true
		target.UpdatedAt = time.Now().UTC()
		if err := putJSON(channels, []byte(channelID), target); err != nil {
			return err
		}
		return defaults.Put(be8(userID), []byte(channelID))
	})
	if e, ok := err.(*errs.E); ok {
		return e
	}
	if err != nil {
		return errs.New(op, errs.Internal, err)
	}
	return nil
}

func (d *DB) SettleChannel(ctx context.Context, channelID, settleHash string) error {
	const op = "bolt.SettleChannel"

	err := d.Update(func(tx *bbolt.Tx) error {
		channels := tx.Bucket(channelsBucket)
		ch := &channeldb.PaymentChannel{}
		found, err := getJSON(channels, []byte(channelID), ch)
		if err != nil {
			return err
		}
		if !found {
			return errs.New(op, errs.NotFound, fmt.Errorf("no such channel"))
		}
		if ch.Status != channeldb.StatusActive {
			return errs.New(op, errs.StateConflict,
				fmt.Errorf("cannot settle channel in state %s", ch.Status))
		}

		old := ch.Status
		ch.Status = channeldb.StatusSettled
		ch.SettleHash = settleHash
		ch.UpdatedAt = time.Now().UTC()
		if err := putJSON(channels, []byte(channelID), ch); err != nil {
			return err
		}
		return reindexStatus(tx, ch, old)
	})
	if e, ok := err.(*errs.E); ok {
		return e
	}
	if err != nil {
		return errs.New(op, errs.Internal, err)
	}
	return nil
}

func (d *DB) ExpireChannels(ctx context.Context, asOf time.Time) ([]string, error) {
	const op = "bolt.ExpireChannels"

	var expired []string
	err := d.Update(func(tx *bbolt.Tx) error {
		channels := tx.Bucket(channelsBucket)
		c := channels.Cursor()
		var toUpdate []*channeldb.PaymentChannel
		for k, v := c.First(); k != nil; k, v = c.Next() {
			ch := &channeldb.PaymentChannel{}
			if err := json.Unmarshal(v, ch); err != nil {
				return err
			}
			if ch.Status != channeldb.StatusActive {
				continue
			}
			if ch.VerifiedAt == nil || asOf.Before(ch.Deadline()) {
				continue
			}
			toUpdate = append(toUpdate, ch)
		}
		for _, ch := range toUpdate {
			old := ch.Status
			ch.Status = channeldb.StatusExpired
			ch.UpdatedAt = asOf
			if err := putJSON(channels, []byte(ch.ChannelID), ch); err != nil {
				return err
			}
			if err := reindexStatus(tx, ch, old); err != nil {
				return err
			}
			expired = append(expired, ch.ChannelID)
		}
		return nil
	})
	if err != nil {
		return nil, errs.New(op, errs.Internal, err)
	}
	return expired, nil
}

func (d *DB) ChannelsNearingDeadline(ctx context.Context, asOf time.Time, window time.Duration) ([]*channeldb.PaymentChannel, error) {
	const op = "bolt.ChannelsNearingDeadline"

	var out []*channeldb.PaymentChannel
	err := d.View(func(tx *bbolt.Tx) error {
		channels := tx.Bucket(channelsBucket)
		c := channels.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			ch := &channeldb.PaymentChannel{}
			if err := json.Unmarshal(v, ch); err != nil {
				return err
			}
			if ch.Status != channeldb.StatusActive || ch.VerifiedAt == nil {
				continue
			}
			remaining := ch.Deadline().Sub(asOf)
			if remaining <= window {
				out = append(out, ch)
			}
		}
		return nil
	})
	if err != nil {
		return nil, errs.New(op, errs.Internal, err)
	}
	// Ascending deadline order, per spec.md §4.5.
	slices.SortFunc(out, func(a, b *channeldb.PaymentChannel) bool {
		return a.Deadline().Before(b.Deadline())
	})
	return out, nil
}

func (d *DB) IncrConsumedTokens(ctx context.Context, channelID string, delta int64) error {
	const op = "bolt.IncrConsumedTokens"

	err := d.Update(func(tx *bbolt.Tx) error {
		channels := tx.Bucket(channelsBucket)
		ch := &channeldb.PaymentChannel{}
		found, err := getJSON(channels, []byte(channelID), ch)
		if err != nil {
			return err
		}
		if !found {
			return errs.New(op, errs.NotFound, fmt.Errorf("no such channel"))
		}
		ch.ConsumedTokens += delta
		if ch.ConsumedTokens > ch.AmountInTokens() {
			return errs.New(op, errs.Insufficient,
				fmt.Errorf("consumed_tokens %d exceeds capacity %d", ch.ConsumedTokens, ch.AmountInTokens()))
		}
		ch.UpdatedAt = time.Now().UTC()
		return putJSON(channels, []byte(channelID), ch)
	})
	if e, ok := err.(*errs.E); ok {
		return e
	}
	if err != nil {
		return errs.New(op, errs.Internal, err)
	}
	return nil
}
