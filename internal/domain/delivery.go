package domain

import "time"

type DeliverMode string

const (
	DeliverModeInfo   DeliverMode = "info"
	DeliverModeDirect DeliverMode = "direct"
)

func (m DeliverMode) Valid() bool {
	return m == DeliverModeInfo || m == DeliverModeDirect
}

type DeliverRequest struct {
	AssetID string
	Slug    string
	Payer   string
	TxRef   string
	Mode    DeliverMode
}

// DownloadInfo releases decryption material to the caller; the caller is
// expected to decrypt client-side.
type DownloadInfo struct {
	CiphertextLocator   string    `json:"ciphertextLocator"`
	EncryptionKeyBase64 string    `json:"encryptionKeyBase64"`
	Filename            string    `json:"filename"`
	ExpiresAt           time.Time `json:"expiresAt"`
}

type FileBytes struct {
	Bytes         []byte
	Filename      string
	ContentType   string
	SigningStatus SignStatus
}

type Delivery struct {
	Mode     DeliverMode
	Purchase Purchase
	Info     *DownloadInfo
	File     *FileBytes
}
