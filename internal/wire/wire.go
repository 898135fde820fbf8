// Package wire encodes and decodes the binary messages exchanged with the
// marketplace and the downstream consumer. Both use the protobuf wire format.
//
// MarketplaceEvent
//
//	1 event_type     enum  (1 LISTED, 2 PURCHASED)
//	2 transactions   repeated MarketplaceTransaction
//
// MarketplaceTransaction
//
//	1 nft_id           NftId {1 token_id string, 2 serial_number string}
//	2 transaction_id   string
//	3 transaction_time google.protobuf.Timestamp
//	4 owner            string
//	5 list_price       int64
//	6 purchase_price   int64
//
// DownstreamEvent
//
//	1 transactions   repeated DownstreamTransaction
//
// DownstreamTransaction
//
//	1 event_type       enum (1 MINTED, 2 LISTED, 3 PURCHASED)
//	2 nft_id           NftId
//	3 transaction_id   string
//	4 transaction_time google.protobuf.Timestamp
//	5 token_detail     TokenDetail (oneof with 6)
//	6 token_state      TokenState
//
// TokenDetail
//
//	1 owner, 2 country, 3 device_id, 4 guardian_id, 5 first_subdivision,
//	6 project_category, 7 project_type (strings), 8 vintage_year int64
//
// TokenState
//
//	1 owner string, 2 listing_price int64, 3 purchase_price int64
package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/Tolam-Earth/integration-services/internal/asset"
)

// field is one decoded top-level field of a message.
type field struct {
	num    protowire.Number
	typ    protowire.Type
	varint uint64
	bytes  []byte
}

// fields splits b into its top-level fields. Fixed-width fields are skipped.
func fields(b []byte) ([]field, error) {
	var out []field
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, malformed(protowire.ParseError(n))
		}
		b = b[n:]
		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.varint, n = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			f.bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return nil, malformed(protowire.ParseError(n))
		}
		b = b[n:]
		if typ == protowire.VarintType || typ == protowire.BytesType {
			out = append(out, f)
		}
	}
	return out, nil
}

func malformed(err error) error {
	return fmt.Errorf("malformed message: %v: %w", err, asset.ErrValidation)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendInt64(b []byte, num protowire.Number, v int64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func encodeNftID(id asset.Identity) []byte {
	var b []byte
	b = appendString(b, 1, id.CollectionID)
	return appendString(b, 2, id.SerialNumber)
}

func decodeNftID(b []byte) (asset.Identity, error) {
	fs, err := fields(b)
	if err != nil {
		return asset.Identity{}, err
	}
	var id asset.Identity
	for _, f := range fs {
		switch f.num {
		case 1:
			id.CollectionID = string(f.bytes)
		case 2:
			id.SerialNumber = string(f.bytes)
		}
	}
	return id, nil
}

func encodeTimestamp(ts asset.Timestamp) ([]byte, error) {
	return proto.Marshal(&timestamppb.Timestamp{Seconds: ts.Seconds, Nanos: ts.Nanos})
}

func decodeTimestamp(b []byte) (asset.Timestamp, error) {
	var pb timestamppb.Timestamp
	if err := proto.Unmarshal(b, &pb); err != nil {
		return asset.Timestamp{}, malformed(err)
	}
	if err := pb.CheckValid(); err != nil {
		return asset.Timestamp{}, fmt.Errorf("transaction time: %v: %w", err, asset.ErrValidation)
	}
	return asset.Timestamp{Seconds: pb.GetSeconds(), Nanos: pb.GetNanos()}, nil
}
