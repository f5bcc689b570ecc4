package tickets

import (
	"crypto/rand"
	"encoding/base32"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-inventory-and-checkin/internal/domain"
)

const credentialIssuer = "tix"

// CredentialClaims is the QR payload. It binds the ticket to its event and
// owner; ver must equal the ticket's current credential version.
type CredentialClaims struct {
	EventID  string `json:"evt"`
	TicketID string `json:"tid"`
	OwnerID  string `json:"own"`
	Version  int    `json:"ver"`
	jwt.RegisteredClaims
}

type Signer struct {
	secret []byte
}

func NewSigner(secret string) (*Signer, error) {
	if len(secret) < 16 {
		return nil, errors.New("credential secret must be at least 16 bytes")
	}
	return &Signer{secret: []byte(secret)}, nil
}

// Sign renders the QR payload for the ticket's current credential. The output
// is deterministic for a given ticket version.
func (s *Signer) Sign(t domain.Ticket) (string, error) {
	claims := CredentialClaims{
		EventID:  t.EventID.String(),
		TicketID: t.ID.String(),
		OwnerID:  t.OwnerID.String(),
		Version:  t.CredentialVersion,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:  credentialIssuer,
			Subject: t.ID.String(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", errors.Wrap(err, "sign ticket credential")
	}
	return signed, nil
}

func (s *Signer) Parse(credential string) (*CredentialClaims, error) {
	token, err := jwt.ParseWithClaims(credential, &CredentialClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Newf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithIssuer(credentialIssuer), jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "parse ticket credential"), domain.ErrInvalidTicket)
	}
	claims, ok := token.Claims.(*CredentialClaims)
	if !ok || !token.Valid {
		return nil, errors.Wrap(domain.ErrInvalidTicket, "invalid credential claims")
	}
	return claims, nil
}

// looksSigned distinguishes QR payloads from printed barcodes.
func looksSigned(credential string) bool {
	return strings.Count(credential, ".") == 2
}

var barcodeEncoding = base32.NewEncoding("0123456789ABCDEFGHJKMNPQRSTVWXYZ").WithPadding(base32.NoPadding)

// NewBarcode returns a 16 character Crockford base32 string carrying 80 random bits.
func NewBarcode() (string, error) {
	var buf [10]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", errors.Wrap(err, "generate barcode")
	}
	return barcodeEncoding.EncodeToString(buf[:]), nil
}

// Resolution is what a presented credential claims to be. Whether it is still
// current is decided against the locked ticket row via Current.
type Resolution struct {
	TicketID uuid.UUID
	EventID  uuid.UUID
	Barcode  string
	OwnerID  uuid.UUID
	Version  int
	Signed   bool
}

func (r Resolution) Current(t domain.Ticket) bool {
	if r.Signed {
		return t.CredentialVersion == r.Version && t.OwnerID == r.OwnerID
	}
	return t.Barcode == r.Barcode
}
