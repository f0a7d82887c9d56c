package badger

import (
	"encoding/json"
	"fmt"

	"github.com/yingcaihuang/invoice-pretty/pkg/task"
)

func encodeRecord(rec *task.Record) ([]byte, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode task record: %w", err)
	}
	return data, nil
}

func decodeRecord(data []byte) (*task.Record, error) {
	var rec task.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode task record: %w", err)
	}
	return &rec, nil
}
