package protocol

import "time"

// Every args and reply type carries at least one exported field because gob
// refuses to encode empty structs.

type HandshakeArgs struct {
	HostVersion int
}

type HandshakeReply struct {
	ProtocolVersion  int
	MagicCookieKey   string
	MagicCookieValue string
}

type InitArgs struct {
	PluginID   string
	InstanceID string
	Env        map[string]string
}

type InitReply struct {
	OK bool
}

type VersionArgs struct {
	PluginID string
}

type VersionReply struct {
	Version string
}

type PingArgs struct {
	Nonce string
}

type PingReply struct {
	Nonce string
}

type ExecuteArgs struct {
	Name    string
	Payload []byte
}

type ExecuteReply struct {
	Payload []byte
}

// FileInfo describes a file held by a storage provider.
type FileInfo struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Size        int64     `json:"size"`
	ContentType string    `json:"content_type,omitempty"`
	UploadedAt  time.Time `json:"uploaded_at"`
}

// FileMetadata is supplied by the caller on upload.
type FileMetadata struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type,omitempty"`
}

type ListFilesArgs struct {
	Prefix string
}

type ListFilesReply struct {
	Files []FileInfo
}

type UploadFileArgs struct {
	Metadata FileMetadata
	Content  []byte
}

type UploadFileReply struct {
	File FileInfo
}

type DeleteFilesArgs struct {
	IDs []string
}

type DeleteFilesReply struct {
	Deleted []string `json:"deleted"`
	Missing []string `json:"missing"`
}

type ShutdownArgs struct {
	Reason string
}

type ShutdownReply struct {
	OK bool
}

// Host callback messages for the injected key/value service.

type KVGetArgs struct {
	Key string
}

type KVGetReply struct {
	Value []byte
	Found bool
}

type KVPutArgs struct {
	Key   string
	Value []byte
}

type KVPutReply struct {
	OK bool
}

type KVDeleteArgs struct {
	Key string
}

type KVDeleteReply struct {
	Deleted bool
}

type KVListArgs struct {
	Prefix string
}

type KVListReply struct {
	Keys []string
}
