package gateway

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// Origin tells how a ban record was created at the backend.
type Origin string

const (
	OriginAutomatic Origin = "automatic"
	OriginManual    Origin = "manual"
)

// CIDREntry is a pre-existing single-address ban that lies inside a banned network.
type CIDREntry struct {
	ID      int64  `json:"id"`
	Address string `json:"ip"`
	Origin  Origin `json:"type"`
}

// CIDRBanRequest asks the backend to ban one network.
type CIDRBanRequest struct {
	Network string `json:"cidr"`
	Reason  string `json:"reason"`
}

// ItemResult is the backend outcome for one element of a batch submission.
type ItemResult struct {
	Target    string `json:"target"`
	Success   bool   `json:"success"`
	Message   string `json:"message,omitempty"`
	ErrorType string `json:"error_type,omitempty"`
}

// UnmarshalJSON accepts both "cidr" and "ip" as the target key.
func (r *ItemResult) UnmarshalJSON(data []byte) error {
	var raw struct {
		CIDR      string `json:"cidr"`
		IP        string `json:"ip"`
		Target    string `json:"target"`
		Success   bool   `json:"success"`
		Message   string `json:"message"`
		Error     string `json:"error"`
		ErrorType string `json:"error_type"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	r.Target = firstNonEmpty(raw.Target, raw.CIDR, raw.IP)
	r.Success = raw.Success
	r.Message = firstNonEmpty(raw.Message, raw.Error)
	r.ErrorType = raw.ErrorType
	return nil
}

// BatchResult summarizes a multi-target ban submission.
type BatchResult struct {
	Success    bool         `json:"-"`
	Message    string       `json:"-"`
	Successful int          `json:"successful"`
	Failed     int          `json:"failed"`
	Results    []ItemResult `json:"results"`
}

// BanResult is the outcome of a single-network ban.
type BanResult struct {
	Success bool
	Message string
	Data    *BatchResult
}

// CheckResult lists the ban records found inside a network.
type CheckResult struct {
	Network string      `json:"cidr"`
	Count   int         `json:"count"`
	Entries []CIDREntry `json:"ips_found"`
}

// IDs returns the ids of the entries, in order.
func (c *CheckResult) IDs() []int64 {
	ids := make([]int64, len(c.Entries))
	for i, e := range c.Entries {
		ids[i] = e.ID
	}
	return ids
}

// UnbanItem identifies one record processed by a reversal. The backend may report
// records as bare addresses, bare ids, or objects.
type UnbanItem struct {
	ID      int64  `json:"id,omitempty"`
	Address string `json:"ip,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (u *UnbanItem) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil
	}
	switch data[0] {
	case '"':
		return json.Unmarshal(data, &u.Address)
	case '{':
		var raw struct {
			ID      int64  `json:"id"`
			IP      string `json:"ip"`
			Error   string `json:"error"`
			Message string `json:"message"`
			Reason  string `json:"reason"`
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		u.ID, u.Address = raw.ID, raw.IP
		u.Error = firstNonEmpty(raw.Error, raw.Message, raw.Reason)
		return nil
	default:
		return json.Unmarshal(data, &u.ID)
	}
}

// String renders the item for operator output.
func (u UnbanItem) String() string {
	if u.Address != "" {
		return u.Address
	}
	return "#" + strconv.FormatInt(u.ID, 10)
}

// UnbanResult reports which records a reversal processed. Partial outcomes are
// normal results, not errors.
type UnbanResult struct {
	Success  bool        `json:"-"`
	Message  string      `json:"-"`
	Reversed []UnbanItem `json:"unbanned_ips"`
	Failed   []UnbanItem `json:"failed_ips"`
}

// OperationResult is the outcome of a single-address primitive.
type OperationResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// envelope is the response wrapper used by every backend operation.
type envelope[T any] struct {
	Success *bool  `json:"success"`
	Message string `json:"message"`
	Data    T      `json:"data"`
}

func (e envelope[T]) failed() bool {
	return e.Success != nil && !*e.Success
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
