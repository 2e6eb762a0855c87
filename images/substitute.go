package images

// Substitutor rewrites an image reference before it is resolved.
type Substitutor interface {
	Substitute(ref Reference) (Reference, error)
}

// SubstitutorFunc adapts a function to Substitutor.
type SubstitutorFunc func(Reference) (Reference, error)

func (f SubstitutorFunc) Substitute(ref Reference) (Reference, error) { return f(ref) }

// PrefixSubstitutor prefixes Docker Hub images with a registry mirror.
// Images from other registries pass through unchanged.
type PrefixSubstitutor struct {
	Prefix string
}

func (p PrefixSubstitutor) Substitute(ref Reference) (Reference, error) {
	if p.Prefix == "" || !ref.IsDockerHub() {
		return ref, nil
	}
	return ref.WithPrefix(p.Prefix)
}

// Chain applies substitutors in order.
type Chain []Substitutor

func (c Chain) Substitute(ref Reference) (Reference, error) {
	var err error
	for _, s := range c {
		if ref, err = s.Substitute(ref); err != nil {
			return Reference{}, err
		}
	}
	return ref, nil
}
