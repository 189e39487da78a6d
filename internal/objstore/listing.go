// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package objstore

import (
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// Object is one entry of a storage listing.
type Object struct {
	Key  string
	ETag string
	Size int64
}

// Listing is an ordered key -> Object mapping as returned by the backend.
type Listing struct {
	objects []Object
	index   map[string]int
}

func newListing() *Listing {
	return &Listing{index: map[string]int{}}
}

// NewListing builds a Listing from objects in the given order.
func NewListing(objects ...Object) *Listing {
	l := newListing()
	for _, o := range objects {
		l.add(o)
	}
	return l
}

func (l *Listing) add(o Object) {
	if i, ok := l.index[o.Key]; ok {
		l.objects[i] = o
		return
	}
	l.index[o.Key] = len(l.objects)
	l.objects = append(l.objects, o)
}

// Has reports whether key was present in the listing.
func (l *Listing) Has(key string) bool {
	_, ok := l.index[key]
	return ok
}

// Keys returns the object keys in listing order.
func (l *Listing) Keys() []string {
	keys := make([]string, len(l.objects))
	for i, o := range l.objects {
		keys[i] = o.Key
	}
	return keys
}

func (l *Listing) Len() int { return len(l.objects) }

func objectFrom(o types.Object) Object {
	return Object{
		Key:  aws.ToString(o.Key),
		ETag: strings.Trim(aws.ToString(o.ETag), `"`),
		Size: aws.ToInt64(o.Size),
	}
}
