package base

import (
	"github.com/emersion/go-imap"
)

const (
	// ArchivesRoot is the top of the destination hierarchy.
	ArchivesRoot = "Archives"
	// Delimiter separates levels of a folder path.
	Delimiter = "/"
)

// DateHeaderSection is BODY.PEEK[HEADER.FIELDS (DATE)], the only part of a
// message the archiver reads.
func DateHeaderSection() *imap.BodySectionName {
	return &imap.BodySectionName{
		BodyPartName: imap.BodyPartName{
			Specifier: imap.HeaderSpecifier,
			Fields:    []string{"DATE"},
		},
		Peek: true,
	}
}

// Client is an interface to abstract the client.Client methods used
type Client interface {
	Create(name string) error
	Expunge(ch chan uint32) error
	Fetch(seqset *imap.SeqSet, items []imap.FetchItem, ch chan *imap.Message) error
	List(ref, name string, ch chan *imap.MailboxInfo) error
	Login(username string, password string) error
	Logout() error
	Search(criteria *imap.SearchCriteria) (seqNums []uint32, err error)
	Select(name string, readOnly bool) (*imap.MailboxStatus, error)
	State() imap.ConnState
	Store(seqset *imap.SeqSet, item imap.StoreItem, value interface{}, ch chan *imap.Message) error
	UidCopy(seqset *imap.SeqSet, dest string) error
	UidStore(seqset *imap.SeqSet, item imap.StoreItem, value interface{}, ch chan *imap.Message) error
}
