package fusion

import (
	"log/slog"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"pwn-gpsd/internal/peercrypt"
	"pwn-gpsd/internal/protocol"
)

// Advertisement is one peer's mesh advertisement carrying an encrypted position token.
type Advertisement struct {
	ID    string
	Name  string
	RSSI  *float64
	Token string
}

type decoded struct {
	token string
	tpv   protocol.TPV
	err   error
}

// Fuser decrypts advertisements and fuses them. Decrypted tokens are cached per peer so an
// unchanged advertisement is opened once.
type Fuser struct {
	box   *peercrypt.Box
	cache *ttlcache.Cache[string, decoded]
	log   *slog.Logger
}

func NewFuser(box *peercrypt.Box, ttl time.Duration, log *slog.Logger) *Fuser {
	if log == nil {
		log = slog.Default()
	}
	return &Fuser{
		box: box,
		cache: ttlcache.New[string, decoded](
			ttlcache.WithTTL[string, decoded](ttl),
			ttlcache.WithDisableTouchOnHit[string, decoded](),
		),
		log: log,
	}
}

// Decode opens every advertisement, skipping those that fail to decrypt or decode.
func (f *Fuser) Decode(ads []Advertisement) []Peer {
	f.cache.DeleteExpired()
	peers := make([]Peer, 0, len(ads))
	for _, ad := range ads {
		if ad.Token == "" {
			continue
		}
		d := f.open(ad)
		if d.err != nil {
			f.log.Debug("peer advertisement skipped", "peer", ad.Name, "id", ad.ID, "error", d.err)
			continue
		}
		tpv := d.tpv
		tpv.Name, tpv.Identity, tpv.RSSI = ad.Name, ad.ID, ad.RSSI
		peers = append(peers, Peer{ID: ad.ID, Name: ad.Name, RSSI: ad.RSSI, TPV: tpv})
	}
	return peers
}

// Round decodes and fuses one batch of advertisements.
func (f *Fuser) Round(ads []Advertisement) (protocol.TPV, int, bool) {
	peers := f.Decode(ads)
	tpv, ok := Fuse(peers)
	return tpv, len(peers), ok
}

// Len is the number of cached advertisements.
func (f *Fuser) Len() int { return f.cache.Len() }

func (f *Fuser) open(ad Advertisement) decoded {
	key := ad.ID
	if key == "" {
		key = ad.Name
	}
	if it := f.cache.Get(key); it != nil && it.Value().token == ad.Token {
		return it.Value()
	}
	d := decoded{token: ad.Token}
	d.err = f.box.DecryptInto(ad.Token, &d.tpv)
	f.cache.Set(key, d, ttlcache.DefaultTTL)
	return d
}
