package delivery

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"

	jsoniter "github.com/json-iterator/go"

	"github.com/ethhook/ethhook/internal/ethhook"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// wireBody is the canonical JSON object POSTed to a subscriber. Field order
// and encoding must be stable: the signing buffer and the transmit buffer
// are the exact same bytes, so there is no second serialization anywhere
// on this path.
type wireBody struct {
	ChainID         uint64   `json:"chain_id"`
	BlockNumber     uint64   `json:"block_number"`
	TransactionHash string   `json:"transaction_hash"`
	LogIndex        uint32   `json:"log_index"`
	ContractAddress string   `json:"contract_address"`
	Topics          []string `json:"topics"`
	Data            string   `json:"data"`
	Timestamp       int64    `json:"timestamp"`
}

// encodeBody renders event as the exact bytes that will be signed and sent.
func encodeBody(event ethhook.Event, timestamp int64) ([]byte, error) {
	topics := make([]string, len(event.Topics))
	for i, t := range event.Topics {
		topics[i] = ethhook.HexString(t[:])
	}
	return json.Marshal(wireBody{
		ChainID:         uint64(event.ChainID),
		BlockNumber:     event.BlockNumber,
		TransactionHash: ethhook.HexString(event.TxHash[:]),
		LogIndex:        event.LogIndex,
		ContractAddress: ethhook.HexString(event.ContractAddress[:]),
		Topics:          topics,
		Data:            ethhook.HexString(event.Data),
		Timestamp:       timestamp,
	})
}

// sign computes the X-EthHook-Signature value: hex(HMAC-SHA256(secret,
// timestamp_ascii + "." + body)). body must be the exact bytes transmitted.
func sign(secret []byte, timestamp int64, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte{'.'})
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
