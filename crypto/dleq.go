package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// DLEQProof is a non-interactive Chaum-Pedersen proof that the same scalar k
// was used to compute C_ = k*B_ as was used to compute the mint's public key
// A = k*G, without revealing k.
type DLEQProof struct {
	E *secp256k1.PrivateKey
	S *secp256k1.PrivateKey
}

func hashDLEQ(points ...*secp256k1.PublicKey) *secp256k1.PrivateKey {
	h := sha256.New()
	for _, p := range points {
		h.Write([]byte(hex.EncodeToString(p.SerializeUncompressed())))
	}
	sum := h.Sum(nil)
	e := secp256k1.PrivKeyFromBytes(sum)
	return e
}

func jacobianToPubkey(p *secp256k1.JacobianPoint) *secp256k1.PublicKey {
	p.ToAffine()
	return secp256k1.NewPublicKey(&p.X, &p.Y)
}

// GenerateDLEQ produces a proof that C_ = k*B_ using the same private key k
// that derives the mint's public key A = k*G for this amount.
func GenerateDLEQ(k *secp256k1.PrivateKey, B_ *secp256k1.PublicKey, C_ *secp256k1.PublicKey) (*DLEQProof, error) {
	var rBytes [32]byte
	if _, err := rand.Read(rBytes[:]); err != nil {
		return nil, err
	}
	r := secp256k1.PrivKeyFromBytes(rBytes[:])

	var gPoint, bPoint, r1, r2 secp256k1.JacobianPoint
	secp256k1.PrivKeyFromBytes([]byte{1}).PubKey().AsJacobian(&gPoint)
	B_.AsJacobian(&bPoint)

	secp256k1.ScalarMultNonConst(&r.Key, &gPoint, &r1)
	R1 := jacobianToPubkey(&r1)

	secp256k1.ScalarMultNonConst(&r.Key, &bPoint, &r2)
	R2 := jacobianToPubkey(&r2)

	A := k.PubKey()

	e := hashDLEQ(R1, R2, A, C_)

	var s secp256k1.ModNScalar
	s.Mul2(&e.Key, &k.Key)
	s.Add(&r.Key)
	sBytes := s.Bytes()
	sKey := secp256k1.PrivKeyFromBytes(sBytes[:])

	return &DLEQProof{E: e, S: sKey}, nil
}

// VerifyDLEQ checks a proof that C_ = k*B_ for the same k that derives A = k*G.
func VerifyDLEQ(e, s *secp256k1.PrivateKey, A, B_, C_ *secp256k1.PublicKey) bool {
	var gPoint, aPoint, bPoint, cPoint secp256k1.JacobianPoint
	secp256k1.PrivKeyFromBytes([]byte{1}).PubKey().AsJacobian(&gPoint)
	A.AsJacobian(&aPoint)
	B_.AsJacobian(&bPoint)
	C_.AsJacobian(&cPoint)

	var eNeg secp256k1.ModNScalar
	eNeg.NegateVal(&e.Key)

	// R1 = s*G - e*A
	var sG, eA, r1 secp256k1.JacobianPoint
	secp256k1.ScalarMultNonConst(&s.Key, &gPoint, &sG)
	secp256k1.ScalarMultNonConst(&eNeg, &aPoint, &eA)
	secp256k1.AddNonConst(&sG, &eA, &r1)
	R1 := jacobianToPubkey(&r1)

	// R2 = s*B_ - e*C_
	var sB, eC, r2 secp256k1.JacobianPoint
	secp256k1.ScalarMultNonConst(&s.Key, &bPoint, &sB)
	secp256k1.ScalarMultNonConst(&eNeg, &cPoint, &eC)
	secp256k1.AddNonConst(&sB, &eC, &r2)
	R2 := jacobianToPubkey(&r2)

	expected := hashDLEQ(R1, R2, A, C_)
	return expected.Key.Equals(&e.Key)
}
