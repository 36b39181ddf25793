package transport

import "github.com/sushant-115/hvac/core/storage_engine/tiered_storage"

type OpenRequest struct {
	Path string `json:"path"`
}

type OpenResponse struct {
	FD   int                            `json:"fd"`
	Tier tiered_storage.StorageTierType `json:"tier"`
	Size uint64                         `json:"size"`
	// Redirected is set when the server opened the staged copy.
	Redirected bool `json:"redirected"`
}

type ReadRequest struct {
	FD     int   `json:"fd"`
	Count  int   `json:"count"`
	Offset int64 `json:"offset"` // -1 reads at the current position
	// Tier is the tier the client expects to be served from.
	Tier tiered_storage.StorageTierType `json:"tier,omitempty"`
}

type ReadResponse struct {
	Data []byte `json:"data"`
}

type SeekRequest struct {
	FD     int   `json:"fd"`
	Offset int64 `json:"offset"`
	Whence int   `json:"whence"`
}

type SeekResponse struct {
	Offset int64 `json:"offset"`
}

type CloseRequest struct {
	FD int `json:"fd"`
}

type CloseResponse struct{}
