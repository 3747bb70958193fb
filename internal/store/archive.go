package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/blake2b"

	"github.com/kannelcore/bearerbox/internal/message"
	"github.com/kannelcore/bearerbox/internal/wire"
)

// Archive uploads compacted store snapshots to an S3-compatible bucket for
// cold, long-term retention beyond what the local append-only log keeps —
// out of scope for crash recovery itself (§1: "DLR persistence back-ends:
// storage-engine contract only"), but a natural home for the pending-set
// snapshot store.Compact already produces.
type Archive struct {
	client *s3.Client
	bucket string
	prefix string
}

func NewArchive(client *s3.Client, bucket, prefix string) *Archive {
	return &Archive{client: client, bucket: bucket, prefix: prefix}
}

// segment is the on-disk shape of one archived snapshot: a zstd-compressed
// stream of wire-framed sms records, preceded by a blake2b-256 checksum of
// the compressed payload so a later restore can detect truncation or bit
// rot independent of S3's own integrity checks.
func encodeSegment(msgs []*message.Message) ([]byte, error) {
	var raw bytes.Buffer
	for _, m := range msgs {
		if err := wire.WriteFrame(&raw, m); err != nil {
			return nil, err
		}
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	compressed := enc.EncodeAll(raw.Bytes(), nil)
	enc.Close()

	sum := blake2b.Sum256(compressed)

	var out bytes.Buffer
	out.Write(sum[:])
	var lenBuf [8]byte
	binary.BigEndian.PutUint64(lenBuf[:], uint64(len(compressed)))
	out.Write(lenBuf[:])
	out.Write(compressed)
	return out.Bytes(), nil
}

// UploadSnapshot archives a pending-set snapshot under a time-stamped key.
func (a *Archive) UploadSnapshot(msgs []*message.Message) error {
	body, err := encodeSegment(msgs)
	if err != nil {
		return err
	}

	key := fmt.Sprintf("%s/snapshot-%d.bin.zst", a.prefix, time.Now().UnixNano())
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(body),
	})
	return err
}
