// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-esapi.
//
// go-esapi is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package structures

const (
	// MaxAuthSize is the largest auth value (the largest digest size).
	MaxAuthSize = 64
	// MaxSensitiveDataSize bounds sealed data (MAX_SYM_DATA).
	MaxSensitiveDataSize = 128
)

// SensitiveCreate is TPMS_SENSITIVE_CREATE: the auth value and optional
// data of a new object.
type SensitiveCreate struct {
	userAuth []byte
	data     []byte
}

// NewSensitiveCreate validates the auth value and sealed data sizes.
func NewSensitiveCreate(userAuth, data []byte) (*SensitiveCreate, error) {
	if len(userAuth) > MaxAuthSize {
		return nil, invalid("SensitiveCreate", "userAuth", "length %d exceeds %d", len(userAuth), MaxAuthSize)
	}
	if len(data) > MaxSensitiveDataSize {
		return nil, invalid("SensitiveCreate", "data", "length %d exceeds %d", len(data), MaxSensitiveDataSize)
	}
	return &SensitiveCreate{userAuth: cloneBytes(userAuth), data: cloneBytes(data)}, nil
}

// EmptySensitive has neither auth nor data.
func EmptySensitive() *SensitiveCreate {
	return &SensitiveCreate{}
}

func (s *SensitiveCreate) UserAuth() []byte { return cloneBytes(s.userAuth) }
func (s *SensitiveCreate) Data() []byte     { return cloneBytes(s.data) }

// Marshal returns the TPMS_SENSITIVE_CREATE encoding (without the outer
// TPM2B size).
func (s *SensitiveCreate) Marshal() []byte {
	var e encoder
	e.b16(s.userAuth)
	e.b16(s.data)
	return e.bytes()
}

// UnmarshalSensitiveCreate decodes a TPMS_SENSITIVE_CREATE.
func UnmarshalSensitiveCreate(b []byte) (*SensitiveCreate, error) {
	d := newDecoder("SensitiveCreate", b)
	auth := d.b16("userAuth")
	data := d.b16("data")
	if d.err == nil {
		_, err := NewSensitiveCreate(auth, data)
		d.check(err)
	}
	if err := d.finish(); err != nil {
		return nil, err
	}
	return &SensitiveCreate{userAuth: auth, data: data}, nil
}
