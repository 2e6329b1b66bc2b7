// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package provisioning implements the device identity lifecycle on AWS IoT

Provision creates a thing, issues an active key pair and certificate, stores private key
and certificate as <thing>.private.key and <thing>.cert.pem, attaches the policy to the
certificate and finally binds the certificate to the thing:

	CreateThing
	CreateKeysAndCertificate(setAsActive)
	store private key, store certificate
	AttachPolicy(policy, certificate)
	AttachThingPrincipal(thing, certificate)

The private key is only returned once by the control plane, hence it is stored before any
further step. The policy itself must exist beforehand; it is created by the deployment stack.

Deprovision reverses this. It enumerates the certificates, then for every certificate it
detaches it from the thing, sets it INACTIVE and deletes it with forceDelete. The thing is
deleted last, since the control plane rejects deleting a thing with attached principals.

Enumeration

By default the certificates are the targets of the policy. This matches a deployment where
every device has its own policy. If several devices share a policy, deprovisioning one device
removes the certificates of all of them. Use ThingPrincipals to enumerate the principals of
the thing instead.

Failure Handling

Every step has a StepPolicy: Abort, LogAndContinue or Retry. By default only detaching a
certificate is best-effort, everything else aborts. During deprovisioning an aborted step
stops the sequence of that one certificate; the others are still removed, but the run
returns an error. The thing is deleted only if the deletion of every certificate was
attempted, so a certificate which could not be detached or deactivated keeps its thing.

With Configuration.Parallelism greater than one, certificates are removed concurrently.
The order detach, deactivate, delete is kept for every certificate.
*/
package provisioning
