package mime

import "github.com/emersion/go-message/mail"

// Attachment is the file part of a message under construction.
type Attachment struct {
	Filename string
	MIMEType string
	Data     []byte
}

// Mail is the mutable intermediate form of an outgoing message. An
// Encrypter may rewrite it in place before serialization.
type Mail struct {
	Header     mail.Header
	Text       string
	Attachment *Attachment
}

// Encrypter transforms a message into its encrypted form.
//
// Encrypt returns true if the message was actually encrypted; returning
// false leaves the message in cleartext, which is only an error for the
// caller when encryption was guaranteed. Release frees any session state
// and is called once per render, whether or not Encrypt ran.
type Encrypter interface {
	Encrypt(recipients []string, guarantee, encryptToSelf bool, m *Mail) bool
	Release()
}

// NullEncrypter never encrypts. It stands in until an end-to-end
// encryption backend is wired up.
type NullEncrypter struct{}

func (NullEncrypter) Encrypt(recipients []string, guarantee, encryptToSelf bool, m *Mail) bool {
	return false
}

func (NullEncrypter) Release() {}
