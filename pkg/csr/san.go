package csr

import (
	"errors"
	"net"
	"net/url"

	"golang.org/x/crypto/cryptobyte"
	cryptobyte_asn1 "golang.org/x/crypto/cryptobyte/asn1"
)

// GeneralName tags (RFC 5280, section 4.2.1.6).
const (
	nameTypeOther        = 0
	nameTypeEmail        = 1
	nameTypeDNS          = 2
	nameTypeX400         = 3
	nameTypeDirectory    = 4
	nameTypeEDIParty     = 5
	nameTypeURI          = 6
	nameTypeIP           = 7
	nameTypeRegisteredID = 8
)

var otherNameTypes = map[uint8]string{
	nameTypeOther:        "otherName",
	nameTypeX400:         "x400Address",
	nameTypeDirectory:    "directoryName",
	nameTypeEDIParty:     "ediPartyName",
	nameTypeRegisteredID: "registeredID",
}

// unmodelledSANs lists, in order, the GeneralName types of a
// subjectAltName value that crypto/x509 skips when parsing.
func unmodelledSANs(value []byte) ([]string, error) {
	in := cryptobyte.String(value)
	var names cryptobyte.String
	if !in.ReadASN1(&names, cryptobyte_asn1.SEQUENCE) || !in.Empty() {
		return nil, errors.New("invalid subjectAltName extension")
	}
	var types []string
	for !names.Empty() {
		var (
			name cryptobyte.String
			tag  cryptobyte_asn1.Tag
		)
		if !names.ReadAnyASN1Element(&name, &tag) {
			return nil, errors.New("invalid subjectAltName extension")
		}
		if tag&0xc0 != 0x80 {
			return nil, errors.New("subjectAltName entry is not a GeneralName")
		}
		if typ, ok := otherNameTypes[uint8(tag&0x1f)]; ok {
			types = append(types, typ)
		}
	}
	return types, nil
}

// marshalSANs encodes a GeneralNames sequence in the order crypto/x509
// uses when it builds the extension itself.
func marshalSANs(dnsNames, emails []string, ips []net.IP, uris []*url.URL) []byte {
	var b cryptobyte.Builder
	b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		for _, name := range dnsNames {
			addGeneralName(b, nameTypeDNS, []byte(name))
		}
		for _, email := range emails {
			addGeneralName(b, nameTypeEmail, []byte(email))
		}
		for _, ip := range ips {
			if ip4 := ip.To4(); ip4 != nil {
				ip = ip4
			}
			addGeneralName(b, nameTypeIP, ip)
		}
		for _, u := range uris {
			addGeneralName(b, nameTypeURI, []byte(u.String()))
		}
	})
	return b.BytesOrPanic()
}

func addGeneralName(b *cryptobyte.Builder, tag uint8, value []byte) {
	b.AddASN1(cryptobyte_asn1.Tag(tag).ContextSpecific(), func(b *cryptobyte.Builder) {
		b.AddBytes(value)
	})
}
