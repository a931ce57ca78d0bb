package wire

// Request and response payload forms of urgent message types.
// Uplink-only types (info, status, telegram) stay generic maps, see internal/handler.

// SyncRequest is gateway current state. Absent field means unknown.
type SyncRequest struct {
	App  *string `cbor:"app" json:"app"`
	Boot *string `cbor:"boot" json:"boot"`
	Etag *string `cbor:"etag" json:"etag"`
}

// SyncResponse fields are each one of: nil (no opinion), true (up to date), desired string.
type SyncResponse struct {
	App  interface{} `cbor:"app" json:"app"`
	Boot interface{} `cbor:"boot" json:"boot"`
	Etag interface{} `cbor:"etag" json:"etag"`
}

type ConfigRequest struct {
	Etag string `cbor:"etag" json:"etag"`
}

type ConfigResponse struct {
	Etag   string                 `cbor:"etag" json:"etag"`
	Config map[string]interface{} `cbor:"config" json:"config"`
}

type FirmwareRequest struct {
	File  string `cbor:"f" json:"f"`
	Chunk *int64 `cbor:"c" json:"c"`
}

// FirmwareResponse Data is uppercase hex of chunk bytes or "ERR:<CODE>".
type FirmwareResponse struct {
	Chunk   int64  `cbor:"c" json:"c"`
	Total   int64  `cbor:"t" json:"t"`
	Address int64  `cbor:"a" json:"a"`
	Data    string `cbor:"d" json:"d"`
}

const FirmwareErrorPrefix = "ERR:"

func FirmwareError(code string) FirmwareResponse {
	return FirmwareResponse{Chunk: -1, Total: 0, Address: 0, Data: FirmwareErrorPrefix + code}
}

func (self FirmwareResponse) IsError() bool { return self.Chunk == -1 }
