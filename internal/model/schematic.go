package model

import "time"

// Schematic is the accounting record of one uploaded schematic file.
type Schematic struct {
	ID           int64      `json:"id"`
	DownloadKey  string     `json:"download_key"`
	DeleteKey    string     `json:"delete_key"`
	FileName     string     `json:"file_name"`
	LastAccessed time.Time  `json:"last_accessed"`
	Expired      *time.Time `json:"expired,omitempty"`
	Uploader     *string    `json:"uploader,omitempty"`
	SchemType    *string    `json:"schem_type,omitempty"`
	Pos1         *string    `json:"pos1,omitempty"`
	Pos2         *string    `json:"pos2,omitempty"`
}

// IsExpired reports whether the record has been marked expired.
func (s *Schematic) IsExpired() bool {
	return s.Expired != nil
}

// Clone returns a deep copy of s.
func (s *Schematic) Clone() *Schematic {
	c := *s
	if s.Expired != nil {
		t := *s.Expired
		c.Expired = &t
	}
	c.Uploader = cloneString(s.Uploader)
	c.SchemType = cloneString(s.SchemType)
	c.Pos1 = cloneString(s.Pos1)
	c.Pos2 = cloneString(s.Pos2)
	return &c
}

// StringPtr returns nil for an empty string and a pointer to v otherwise.
func StringPtr(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func cloneString(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Stats summarises the record table.
type Stats struct {
	Total   int `json:"total"`
	Active  int `json:"active"`
	Expired int `json:"expired"`
}
