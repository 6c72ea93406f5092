package firehose

import (
	"encoding/json"
	"fmt"
)

const (
	kindCommit     = "commit"
	postCollection = "app.bsky.feed.post"
)

// event is a Jetstream message. Only commits are decoded further.
type event struct {
	DID    string  `json:"did"`
	TimeUS int64   `json:"time_us"`
	Kind   string  `json:"kind"`
	Commit *commit `json:"commit,omitempty"`
}

type commit struct {
	Rev        string          `json:"rev"`
	Operation  string          `json:"operation"`
	Collection string          `json:"collection"`
	RKey       string          `json:"rkey"`
	CID        string          `json:"cid"`
	RawRecord  json.RawMessage `json:"record,omitempty"`

	// Record is decoded from RawRecord for post creates.
	Record *postRecord `json:"-"`
}

// uri returns the AT-URI of the committed record.
func (e *event) uri() string {
	return fmt.Sprintf("at://%s/%s/%s", e.DID, e.Commit.Collection, e.Commit.RKey)
}

type postRecord struct {
	Text      string    `json:"text"`
	CreatedAt string    `json:"createdAt"`
	Langs     []string  `json:"langs"`
	Reply     *replyRef `json:"reply,omitempty"`
}

type replyRef struct {
	Root   strongRef `json:"root"`
	Parent strongRef `json:"parent"`
}

type strongRef struct {
	URI string `json:"uri"`
	CID string `json:"cid"`
}

func parseEvent(data []byte) (*event, error) {
	var ev event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("unmarshal event: %w", err)
	}
	if ev.Kind != kindCommit {
		ev.Commit = nil
		return &ev, nil
	}
	if ev.Commit == nil {
		return nil, fmt.Errorf("commit event without commit")
	}

	c := ev.Commit
	if c.Collection == postCollection && len(c.RawRecord) > 0 {
		var record postRecord
		if err := json.Unmarshal(c.RawRecord, &record); err != nil {
			return nil, fmt.Errorf("unmarshal post record: %w", err)
		}
		c.Record = &record
	}
	return &ev, nil
}
