package nut20

import (
	"crypto/sha256"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/satoshinuts/mint/cashu"
)

// quoteSigningMessage builds the canonical message a NUT-20 locked mint
// quote's signature covers: the quote id followed by each output's B_, in
// the order the outputs were submitted. Order matters here and is not
// re-sorted -- the wallet and mint must agree on the same request order,
// which they do since the mint verifies against the same outputs slice it
// received.
func quoteSigningMessage(quoteId string, blindedMessages cashu.BlindedMessages) []byte {
	msg := quoteId
	for _, bm := range blindedMessages {
		msg += bm.B_
	}
	return []byte(msg)
}

func SignMintQuote(
	privateKey *secp256k1.PrivateKey,
	quoteId string,
	blindedMessages cashu.BlindedMessages,
) (*schnorr.Signature, error) {
	hash := sha256.Sum256(quoteSigningMessage(quoteId, blindedMessages))
	sig, err := schnorr.Sign(privateKey, hash[:])
	if err != nil {
		return nil, err
	}

	return sig, nil
}

func VerifyMintQuoteSignature(
	signature *schnorr.Signature,
	quoteId string,
	blindedMessages cashu.BlindedMessages,
	publicKey *secp256k1.PublicKey,
) bool {
	hash := sha256.Sum256(quoteSigningMessage(quoteId, blindedMessages))
	return signature.Verify(hash[:], publicKey)
}
