package store

import (
	"bufio"
	"fmt"
	"os"

	"github.com/linkedin/goavro/v2"

	"github.com/kannelcore/bearerbox/internal/message"
)

// checkpointSchema describes one pending sms record in a checkpoint file.
// Checkpoints are a local snapshot format distinct from both the
// append-only log (the §4.5 source of truth) and the S3 cold archive.
// Store.New does not read checkpoints; recovery always replays the full
// log.
const checkpointSchema = `{
	"type": "record",
	"name": "PendingSMS",
	"fields": [
		{"name": "id", "type": "long"},
		{"name": "sender", "type": "string"},
		{"name": "receiver", "type": "string"},
		{"name": "msgdata", "type": "bytes"},
		{"name": "smsc_id", "type": "string"},
		{"name": "time", "type": "long"}
	]
}`

// WriteCheckpoint encodes the current pending set as an Avro object
// container file at path.
func WriteCheckpoint(path string, msgs []*message.Message) error {
	codec, err := goavro.NewCodec(checkpointSchema)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o640)
	if err != nil {
		return err
	}
	defer f.Close()

	writer, err := goavro.NewOCFWriter(goavro.OCFConfig{
		W:               f,
		Codec:           codec,
		CompressionName: goavro.CompressionDeflateLabel,
	})
	if err != nil {
		return err
	}

	records := make([]map[string]interface{}, 0, len(msgs))
	for _, m := range msgs {
		if m.Kind != message.KindSMS {
			continue
		}
		records = append(records, map[string]interface{}{
			"id":       int64(m.SMS.ID),
			"sender":   m.SMS.Sender,
			"receiver": m.SMS.Receiver,
			"msgdata":  m.SMS.MsgData,
			"smsc_id":  m.SMS.SMSCID,
			"time":     m.SMS.Time,
		})
	}

	return writer.Append(records)
}

// ReadCheckpoint decodes a checkpoint file back into sms messages.
func ReadCheckpoint(path string) ([]*message.Message, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	reader, err := goavro.NewOCFReader(bufio.NewReader(f))
	if err != nil {
		return nil, err
	}

	var out []*message.Message
	for reader.Scan() {
		rec, err := reader.Read()
		if err != nil {
			return nil, err
		}
		r, ok := rec.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("store: unexpected checkpoint record shape %T", rec)
		}

		sms := &message.SMS{
			ID:       uint64(r["id"].(int64)),
			Sender:   r["sender"].(string),
			Receiver: r["receiver"].(string),
			MsgData:  r["msgdata"].([]byte),
			SMSCID:   r["smsc_id"].(string),
			Time:     r["time"].(int64),
		}
		out = append(out, message.NewSMS(sms))
	}
	return out, nil
}
