/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package xrpl

import (
	"fmt"

	"github.com/Peersyst/xrpl-go/xrpl/wallet"
)

// Signer signs transactions for one account locally. The seed never leaves the process.
type Signer interface {
	Address() string
	Sign(tx map[string]interface{}) (txBlob string, hash string, err error)
}

type WalletSigner struct {
	wallet wallet.Wallet
}

func NewWalletSigner(seed string) (*WalletSigner, error) {
	w, err := wallet.FromSeed(seed, "")
	if err != nil {
		return nil, fmt.Errorf("derive wallet from seed: %w", err)
	}
	return &WalletSigner{wallet: w}, nil
}

func (s *WalletSigner) Address() string {
	return string(s.wallet.ClassicAddress)
}

func (s *WalletSigner) Sign(tx map[string]interface{}) (string, string, error) {
	if _, ok := tx["SigningPubKey"]; !ok {
		tx["SigningPubKey"] = s.wallet.PublicKey
	}
	blob, hash, err := s.wallet.Sign(tx)
	if err != nil {
		return "", "", fmt.Errorf("sign transaction: %w", err)
	}
	return blob, hash, nil
}

// PaymentParams describe a token payment from the signing account.
type PaymentParams struct {
	Account            string
	Destination        string
	Amount             map[string]interface{}
	Fee                int64
	Sequence           uint32
	LastLedgerSequence uint32
	MemoType           string
	MemoData           string
}

// tfFullyCanonicalSig is required by older servers and harmless on newer ones.
const tfFullyCanonicalSig uint32 = 0x80000000

// BuildPayment returns the flat JSON form of a Payment ready for signing.
func BuildPayment(p PaymentParams) map[string]interface{} {
	tx := map[string]interface{}{
		"TransactionType":    "Payment",
		"Account":            p.Account,
		"Destination":        p.Destination,
		"Amount":             p.Amount,
		"Fee":                fmt.Sprintf("%d", p.Fee),
		"Sequence":           p.Sequence,
		"LastLedgerSequence": p.LastLedgerSequence,
		"Flags":              tfFullyCanonicalSig,
	}
	if p.MemoData != "" {
		memo := map[string]interface{}{"MemoData": hexString(p.MemoData)}
		if p.MemoType != "" {
			memo["MemoType"] = hexString(p.MemoType)
		}
		tx["Memos"] = []interface{}{map[string]interface{}{"Memo": memo}}
	}
	return tx
}
